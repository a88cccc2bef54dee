package honggfuzz

import (
	"encoding/binary"
)

// The mutation engine. Every mutation decision flows through the worker's
// Rand stream, so a fixed campaign seed reproduces the exact sequence of
// inputs that led to a crash.

// Integer values that frequently sit on interesting boundaries in parsers.
var magicValues = []uint64{
	0, 1, 0x7f, 0x80, 0xff, 0x100,
	0x7fff, 0x8000, 0xffff, 0x10000,
	0x7fffffff, 0x80000000, 0xffffffff, 0x100000000,
	0x7fffffffffffffff, 0x8000000000000000, 0xffffffffffffffff,
}

type ManglerConfig struct {
	// Mutated inputs never grow beyond MaxInputSize bytes.
	MaxInputSize int
	// Upper bound on the number of mutation ops applied per Mutate call.
	MaxOps int
}

// A mangleFunc transforms buf and returns the result, which may alias buf.
// Mutate guarantees a non-empty buffer.
type mangleFunc func(m *Mangler, r *Rand, buf []byte) []byte

type mangleOp struct {
	name string
	f    mangleFunc
}

type Mangler struct {
	cfg ManglerConfig
	ops []mangleOp
}

func NewMangler(cfg ManglerConfig) *Mangler {
	if cfg.MaxInputSize <= 0 {
		cfg.MaxInputSize = 1 << 20
	}
	if cfg.MaxOps <= 0 {
		cfg.MaxOps = 6
	}
	return &Mangler{
		cfg: cfg,
		ops: []mangleOp{
			{"bitflip", mangleBitFlip},
			{"byteset", mangleByteSet},
			{"byteswap", mangleByteSwap},
			{"overwrite", mangleOverwrite},
			{"insert", mangleInsert},
			{"erase", mangleErase},
			{"copy", mangleCopy},
			{"magic", mangleMagic},
		},
	}
}

// Mutate returns a mutated copy of input. The input itself is never
// modified; corpus entries stay pristine. An empty input is first grown by
// one pseudorandom byte so that every op has something to chew on.
func (m *Mangler) Mutate(r *Rand, input []byte) []byte {
	buf := append(make([]byte, 0, len(input)+8), input...)
	if len(buf) == 0 {
		buf = append(buf, byte(r.Range(0, 255)))
	}
	n := r.Intn(m.cfg.MaxOps) + 1
	for i := 0; i < n; i++ {
		op := m.ops[r.Intn(len(m.ops))]
		buf = op.f(m, r, buf)
	}
	return buf
}

func mangleBitFlip(m *Mangler, r *Rand, buf []byte) []byte {
	pos := r.Intn(len(buf) * 8)
	buf[pos/8] ^= 1 << (pos % 8)
	return buf
}

func mangleByteSet(m *Mangler, r *Rand, buf []byte) []byte {
	buf[r.Intn(len(buf))] = byte(r.Range(0, 255))
	return buf
}

func mangleByteSwap(m *Mangler, r *Rand, buf []byte) []byte {
	i, j := r.Intn(len(buf)), r.Intn(len(buf))
	buf[i], buf[j] = buf[j], buf[i]
	return buf
}

func mangleOverwrite(m *Mangler, r *Rand, buf []byte) []byte {
	off := r.Intn(len(buf))
	n := r.Intn(len(buf)-off) + 1
	r.Fill(buf[off : off+n])
	return buf
}

func mangleInsert(m *Mangler, r *Rand, buf []byte) []byte {
	if len(buf) >= m.cfg.MaxInputSize {
		return buf
	}
	n := r.Intn(8) + 1
	if len(buf)+n > m.cfg.MaxInputSize {
		n = m.cfg.MaxInputSize - len(buf)
	}
	off := r.Intn(len(buf) + 1)
	chunk := make([]byte, n)
	r.Fill(chunk)
	out := make([]byte, 0, len(buf)+n)
	out = append(out, buf[:off]...)
	out = append(out, chunk...)
	out = append(out, buf[off:]...)
	return out
}

func mangleErase(m *Mangler, r *Rand, buf []byte) []byte {
	if len(buf) <= 1 {
		return buf
	}
	n := r.Intn(len(buf)-1) + 1
	off := r.Intn(len(buf) - n + 1)
	return append(buf[:off], buf[off+n:]...)
}

// mangleCopy moves a chunk to another position within the buffer.
// Overlapping ranges are fine, copy has memmove semantics.
func mangleCopy(m *Mangler, r *Rand, buf []byte) []byte {
	src := r.Intn(len(buf))
	dst := r.Intn(len(buf))
	maxN := len(buf) - src
	if n := len(buf) - dst; n < maxN {
		maxN = n
	}
	n := r.Intn(maxN) + 1
	copy(buf[dst:dst+n], buf[src:src+n])
	return buf
}

func mangleMagic(m *Mangler, r *Rand, buf []byte) []byte {
	sizes := []int{1, 2, 4, 8}
	// Restrict to sizes that fit the buffer.
	k := 0
	for _, sz := range sizes {
		if sz <= len(buf) {
			k++
		}
	}
	size := sizes[r.Intn(k)]
	off := r.Intn(len(buf) - size + 1)
	v := magicValues[r.Intn(len(magicValues))]
	bigEndian := r.Range(0, 1) == 1
	switch size {
	case 1:
		buf[off] = byte(v)
	case 2:
		if bigEndian {
			binary.BigEndian.PutUint16(buf[off:], uint16(v))
		} else {
			binary.LittleEndian.PutUint16(buf[off:], uint16(v))
		}
	case 4:
		if bigEndian {
			binary.BigEndian.PutUint32(buf[off:], uint32(v))
		} else {
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		}
	case 8:
		if bigEndian {
			binary.BigEndian.PutUint64(buf[off:], v)
		} else {
			binary.LittleEndian.PutUint64(buf[off:], v)
		}
	}
	return buf
}
