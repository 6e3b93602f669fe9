package mesh

// dedupeWindow suppresses reprocessing of (source id, packet id) pairs.
// Multicast may hand us the same datagram more than once, and we always see
// our own transmissions looped back. Bounded: once capacity is reached the
// oldest entry is evicted, so memory never grows with mesh traffic.
type dedupeWindow struct {
	capacity int
	seen     map[uint64]struct{}
	order    []uint64 // FIFO ring
	head     int
	count    int
}

func newDedupeWindow(capacity int) *dedupeWindow {
	if capacity <= 0 {
		capacity = 1024
	}
	return &dedupeWindow{
		capacity: capacity,
		seen:     make(map[uint64]struct{}, capacity),
		order:    make([]uint64, capacity),
	}
}

func dedupeKey(from, packetID uint32) uint64 {
	return uint64(from)<<32 | uint64(packetID)
}

// Seen returns true if the pair is already in the window. Otherwise it
// records the pair (evicting the oldest entry when full) and returns false.
// Not goroutine-safe; only the receive loop touches it.
func (w *dedupeWindow) Seen(from, packetID uint32) bool {
	k := dedupeKey(from, packetID)
	if _, ok := w.seen[k]; ok {
		return true
	}

	if w.count == w.capacity {
		oldest := w.order[w.head]
		delete(w.seen, oldest)
		w.order[w.head] = k
		w.head = (w.head + 1) % w.capacity
	} else {
		w.order[(w.head+w.count)%w.capacity] = k
		w.count++
	}
	w.seen[k] = struct{}{}
	return false
}
