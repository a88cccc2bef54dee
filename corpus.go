package honggfuzz

import (
	"fmt"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/kingjohntom/honggfuzz/hlog"
)

// The corpus holds the inputs a campaign mutates. Entries are deduplicated
// by Hash64; the hashes live in an ascending index that is probed with
// Search64 on every Add and Contains call. Two distinct inputs that collide
// on Hash64 count as duplicates, which is acceptable for fuzzing.

type corpusEntry struct {
	hash uint64
	data []byte
}

type Corpus struct {
	mut          sync.Mutex
	entries      []corpusEntry // in insertion order, for Pick
	hashes       []uint64      // ascending, for dedup probes
	totalBytes   int64
	maxInputSize int
}

func NewCorpus(maxInputSize int) *Corpus {
	if maxInputSize <= 0 {
		maxInputSize = 1 << 20
	}
	return &Corpus{maxInputSize: maxInputSize}
}

// Add inserts data unless an input with the same hash is already present.
// It reports whether the input was added. Inputs larger than the corpus
// limit are rejected with an error.
func (c *Corpus) Add(data []byte) (bool, error) {
	if len(data) > c.maxInputSize {
		return false, fmt.Errorf("input of %d bytes exceeds limit of %d", len(data), c.maxInputSize)
	}
	h := Hash64(data)
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.contains(h) {
		return false, nil
	}
	cp := append([]byte(nil), data...)
	c.entries = append(c.entries, corpusEntry{hash: h, data: cp})
	c.totalBytes += int64(len(cp))
	// Keep the hash index sorted.
	i := sort.Search(len(c.hashes), func(i int) bool { return c.hashes[i] >= h })
	c.hashes = append(c.hashes, 0)
	copy(c.hashes[i+1:], c.hashes[i:])
	c.hashes[i] = h
	return true, nil
}

func (c *Corpus) Contains(data []byte) bool {
	h := Hash64(data)
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.contains(h)
}

// contains must be called with c.mut held. The length check keeps the
// empty index away from Search64, which rejects empty slices.
func (c *Corpus) contains(h uint64) bool {
	if len(c.hashes) == 0 {
		return false
	}
	_, ok := Search64(c.hashes, h)
	return ok
}

// Pick returns one corpus input chosen uniformly via r, or nil if the
// corpus is empty. Callers must not modify the returned bytes.
func (c *Corpus) Pick(r *Rand) []byte {
	c.mut.Lock()
	defer c.mut.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[r.Intn(len(c.entries))].data
}

func (c *Corpus) Len() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.entries)
}

// Size returns the total number of input bytes held.
func (c *Corpus) Size() int64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.totalBytes
}

// inputFilename returns the corpus file name for an input hash.
func inputFilename(h uint64) string {
	return fmt.Sprintf("%016x.in", h)
}

// LoadDir adds every regular file in dir to the corpus and returns the
// number of inputs added. Unreadable or oversized files are logged and
// skipped.
func (c *Corpus) LoadDir(dir string) (int, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("cannot read corpus directory: %w", err)
	}
	added := 0
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		p := path.Join(dir, de.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			hlog.Errorf("Skipping corpus file %s: %v", p, err)
			continue
		}
		ok, err := c.Add(data)
		if err != nil {
			hlog.Errorf("Skipping corpus file %s: %v", p, err)
			continue
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// WriteInput stores data as a corpus file in dir and returns the file path.
func WriteInput(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	p := path.Join(dir, inputFilename(Hash64(data)))
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", err
	}
	return p, nil
}
