package honggfuzz

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/kingjohntom/honggfuzz/hlog"
)

// Pseudorandom numbers for fuzzing decisions. Each worker goroutine owns its
// own Rand stream, so no locking is needed on the hot path. The streams are
// deliberately simple LCGs: fast, reproducible from a single seed word, and
// in no way suitable for anything security-sensitive.

// MMIX LCG parameters (Knuth). State advances as state = a*state + c with
// ordinary wrapping uint64 arithmetic; the wraparound at 2^64 is part of the
// algorithm, not an overflow bug.
const (
	lcgMult uint64 = 6364136223846793005
	lcgInc  uint64 = 1442695040888963407
)

// fatalf reports an unrecoverable setup or contract failure and does not
// return. Tests swap in a hook that panics instead of exiting the process.
var fatalf func(format string, args ...any) = hlog.Fatalf

// EntropySource yields the seed material for Rand streams.
type EntropySource interface {
	// Open prepares the source. It is called at most once per process.
	Open() error
	// ReadExact fills p entirely. A short read is an error.
	ReadExact(p []byte) error
}

// deviceSource reads from the OS randomness device.
type deviceSource struct {
	path string
	f    *os.File
}

func (s *deviceSource) Open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *deviceSource) ReadExact(p []byte) error {
	_, err := io.ReadFull(s.f, p)
	return err
}

// The process-wide entropy source. Whichever stream first needs a seed opens
// it, exactly once even when many workers race there; it stays open until the
// process exits.
var (
	entropy     EntropySource = &deviceSource{path: "/dev/urandom"}
	entropyOnce sync.Once
)

// seed64 returns one fresh seed word from the entropy source.
// Open and read failures are unrecoverable.
func seed64() uint64 {
	entropyOnce.Do(func() {
		if err := entropy.Open(); err != nil {
			fatalf("cannot open entropy source: %v", err)
		}
	})
	var b [8]byte
	if err := entropy.ReadExact(b[:]); err != nil {
		fatalf("cannot read %d seed bytes from entropy source: %v", len(b), err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Rand is a pseudorandom stream owned by a single goroutine, typically one
// fuzzing worker. The zero value is ready to use and seeds itself from the
// entropy source on first use. A Rand must not be shared between goroutines.
type Rand struct {
	seeded bool
	state  uint64
}

// NewRand returns a stream starting from a fixed state instead of an entropy
// seed. Fixed-state streams make fuzzing runs and crash reproductions
// repeatable.
func NewRand(seed uint64) *Rand {
	return &Rand{seeded: true, state: seed}
}

// next advances the stream by one LCG step, seeding it first if needed.
func (r *Rand) next() uint64 {
	if !r.seeded {
		r.state = seed64()
		r.seeded = true
	}
	r.state = r.state*lcgMult + lcgInc
	return r.state
}

// Range returns a pseudorandom value in [min, max], both inclusive.
// min > max is a fatal error. The modulo reduction is biased towards lower
// values when max-min+1 is not a power of two; callers accept that bias in
// exchange for a branch-free reduction.
func (r *Rand) Range(min, max uint64) uint64 {
	if min > max {
		fatalf("Range: min %d > max %d", min, max)
	}
	return r.next()%(max-min+1) + min
}

// Fill overwrites p with pseudorandom bytes. The bytes come from a local
// throwaway state seeded with one draw from r, so r itself advances by
// exactly one step no matter how long p is.
func (r *Rand) Fill(p []byte) {
	x := r.Range(0, 1<<62)
	for i := range p {
		x = x*lcgMult + lcgInc
		p[i] = byte(x)
	}
}

// Intn returns a pseudorandom int in [0, n). n must be positive.
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		panic("Intn: invalid argument")
	}
	return int(r.Range(0, uint64(n)-1))
}
