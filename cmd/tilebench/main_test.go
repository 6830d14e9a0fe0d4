package main

import (
	"context"
	"net"
	"net/http"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"

	"github.com/Faultbox/tilestream/internal/logger"
)

func observeLogs(t *testing.T) *zapobserver.ObservedLogs {
	t.Helper()
	core, logs := zapobserver.New(zapcore.DebugLevel)
	prev := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = prev })
	return logs
}

func TestStopMetrics(t *testing.T) {
	logs := observeLogs(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	srv := &http.Server{Handler: http.NewServeMux()}
	go srv.Serve(ln)

	stopMetrics(context.Background(), srv)
	if n := logs.Len(); n != 0 {
		t.Errorf("clean shutdown logged %d entries", n)
	}
}

func TestStopMetricsLogsShutdownError(t *testing.T) {
	logs := observeLogs(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	var mux http.ServeMux
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	srv := &http.Server{Handler: &mux}
	go srv.Serve(ln)

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-entered

	// The scrape is still running, so shutdown gives up when ctx is done.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stopMetrics(ctx, srv)

	entries := logs.FilterMessage("metrics server shutdown").All()
	if len(entries) != 1 {
		t.Fatalf("got %d shutdown warnings, want 1", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", entries[0].Level)
	}
	if got := entries[0].ContextMap()["error"]; got != context.Canceled.Error() {
		t.Errorf("error field = %v, want %q", got, context.Canceled)
	}
}
