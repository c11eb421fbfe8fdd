// Package chunk splits byte slices into content-defined chunks.
//
// Boundaries depend only on the bytes inside a small rolling window, so two
// versions of a page that share a region also share most chunk boundaries
// inside that region. The delta engine relies on this to find copyable spans.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"math/bits"
)

// Chunk is one content-defined slice of the input. Data aliases the input.
type Chunk struct {
	Offset int
	Data   []byte
	Hash   [32]byte
}

// Params controls the content-defined chunker.
type Params struct {
	MinSize int // Minimum chunk size in bytes
	AvgSize int // Target average chunk size in bytes
	MaxSize int // Hard maximum chunk size in bytes
	Window  int // Rolling hash window size
}

// DefaultParams are tuned for HTML documents of a few KB to a few MB.
func DefaultParams() Params {
	return Params{
		MinSize: 32,
		AvgSize: 256,
		MaxSize: 4096,
		Window:  16,
	}
}

// Split cuts data into content-defined chunks. The concatenation of all
// returned chunks is data; an empty input yields no chunks.
func Split(data []byte, params Params) []Chunk {
	if len(data) == 0 {
		return nil
	}

	p := params.normalize()
	shift := 64 - uint(maskBits(p.AvgSize))
	h := newRollingHash(p.Window)

	chunks := make([]Chunk, 0, len(data)/p.AvgSize+1)
	start := 0
	for i, b := range data {
		h.push(b)

		size := i + 1 - start
		if size < p.MinSize {
			continue
		}

		// Cut once min is satisfied, either via hash match or max length.
		if h.fingerprint()>>shift == 0 || size >= p.MaxSize {
			chunks = append(chunks, newChunk(data, start, i+1))
			start = i + 1
		}
	}

	if start < len(data) {
		chunks = append(chunks, newChunk(data, start, len(data)))
	}

	return chunks
}

func newChunk(data []byte, start, end int) Chunk {
	return Chunk{
		Offset: start,
		Data:   data[start:end],
		Hash:   sha256.Sum256(data[start:end]),
	}
}

// ReassembleChunks combines chunks back into a single buffer.
func ReassembleChunks(chunks []Chunk) []byte {
	totalSize := 0
	for _, c := range chunks {
		totalSize += len(c.Data)
	}

	result := make([]byte, 0, totalSize)
	for _, c := range chunks {
		result = append(result, c.Data...)
	}

	return result
}

// ComputeChunkHash computes the hex SHA256 of chunk data.
func ComputeChunkHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// normalize ensures sane defaults and bounds for chunking parameters.
func (p Params) normalize() Params {
	def := DefaultParams()
	if p.MinSize <= 0 {
		p.MinSize = def.MinSize
	}
	if p.AvgSize <= 0 {
		p.AvgSize = def.AvgSize
	}
	if p.MaxSize <= 0 {
		p.MaxSize = def.MaxSize
	}
	if p.Window <= 0 {
		p.Window = def.Window
	}
	if p.MinSize > p.AvgSize {
		p.AvgSize = p.MinSize
	}
	if p.AvgSize > p.MaxSize {
		p.MaxSize = p.AvgSize
	}
	return p
}

// maskBits selects how many fingerprint bits must be zero for a cut, so that
// cuts occur roughly every avg bytes.
func maskBits(avg int) int {
	n := bits.Len(uint(avg)) - 1
	if n < 1 {
		n = 1
	}
	if n > 62 {
		n = 62
	}
	return n
}

const (
	rollBase = 0x100000001b3      // odd multiplier, arithmetic wraps mod 2^64
	rollMix  = 0x9e3779b97f4a7c15 // spreads low-entropy sums into the high bits
)

// rollingHash is a Rabin-Karp hash over the last window bytes.
type rollingHash struct {
	window int
	pow    uint64
	hash   uint64
	ring   []byte
	pos    int
	filled int
}

func newRollingHash(window int) *rollingHash {
	pow := uint64(1)
	for i := 0; i < window-1; i++ {
		pow *= rollBase
	}

	return &rollingHash{
		window: window,
		pow:    pow,
		ring:   make([]byte, window),
	}
}

func (r *rollingHash) push(b byte) {
	if r.filled == r.window {
		r.hash -= uint64(r.ring[r.pos]) * r.pow
	} else {
		r.filled++
	}

	r.ring[r.pos] = b
	r.pos = (r.pos + 1) % r.window
	r.hash = r.hash*rollBase + uint64(b)
}

func (r *rollingHash) fingerprint() uint64 {
	return r.hash * rollMix
}
