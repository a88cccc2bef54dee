package honggfuzz

// Hash64 returns a non-cryptographic hash of p. The fuzzer uses it for
// corpus deduplication and crash identities, where speed matters and
// collision resistance does not. Stored crash reports key on these values,
// so changing the algorithm orphans existing dedup state.
func Hash64(p []byte) uint64 {
	var h uint64
	for _, b := range p {
		h += uint64(b)
		h += h << 10
		h ^= h >> 6
	}
	return h
}
