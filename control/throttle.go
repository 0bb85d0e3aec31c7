package control

// throttle limits repeated per-tick warnings: the first failure of a key is
// logged, then every nth consecutive one, and the first success after a run
// of failures.
type throttle struct {
	every  uint64
	counts map[string]uint64
}

func newThrottle(every uint64) *throttle {
	if every == 0 {
		every = 1
	}
	return &throttle{every: every, counts: map[string]uint64{}}
}

// fail counts a failure and reports whether to log it, with the streak length.
func (t *throttle) fail(key string) (bool, uint64) {
	n := t.counts[key] + 1
	t.counts[key] = n
	return n == 1 || n%t.every == 0, n
}

// ok clears the streak and reports how long it was.
func (t *throttle) ok(key string) uint64 {
	n, ok := t.counts[key]
	if !ok {
		return 0
	}
	delete(t.counts, key)
	return n
}
