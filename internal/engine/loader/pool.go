package loader

import (
	"context"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/tilestream/internal/logger"
)

// Pool is a Loader backed by a fixed set of worker goroutines.
//
// The job and completion queues are sized by the caller to the maximum number
// of loads that can be in flight (the total atlas slot count), so neither
// Submit nor a worker publishing its completion ever waits on the frame loop.
type Pool struct {
	store       Store
	jobs        chan Job
	completions chan Completion

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
	log    *zap.Logger
}

// NewPool starts workers goroutines reading from store. A workers value of
// zero or less uses one worker per CPU.
func NewPool(store Store, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 1)
	}
	queueSize = max(queueSize, 1)

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		store:       store,
		jobs:        make(chan Job, queueSize),
		completions: make(chan Completion, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		group:       group,
		log:         logger.Named("loader"),
	}

	for i := 0; i < workers; i++ {
		group.Go(p.worker)
	}

	p.log.Debug("loader pool started",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize),
	)
	return p
}

// Submit implements Loader.
func (p *Pool) Submit(job Job) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Completions implements Loader.
func (p *Pool) Completions() <-chan Completion {
	return p.completions
}

// Close implements Loader. Queued jobs that no worker picked up are dropped.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	err := p.group.Wait()
	p.log.Debug("loader pool stopped")
	return err
}

func (p *Pool) worker() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case job := <-p.jobs:
			data, err := Load(p.ctx, p.store, job)
			select {
			case p.completions <- Completion{Job: job, Tile: data, Err: err}:
			case <-p.ctx.Done():
				return nil
			}
		}
	}
}
