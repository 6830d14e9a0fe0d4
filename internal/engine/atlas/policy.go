package atlas

// EvictionPolicy orders eviction candidates. The candidate for which Less
// reports true against every other candidate is evicted first.
type EvictionPolicy interface {
	Less(a, b Slot) bool
}

// LRU evicts the least recently used slot, breaking ties by slot index.
type LRU struct{}

// Less implements EvictionPolicy.
func (LRU) Less(a, b Slot) bool {
	if a.LastUsedFrame != b.LastUsedFrame {
		return a.LastUsedFrame < b.LastUsedFrame
	}
	return a.Index < b.Index
}
