// Package delta computes forward deltas between two versions of a document
// and applies them to rebuild the newer version.
//
// Every engine satisfies Apply(base, Diff(base, target)) == target for all
// inputs, including empty ones, and is deterministic. Engines are registered
// under a one-byte id that is persisted next to each delta so replay always
// uses the engine that wrote it.
package delta

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// ErrCorruptDelta reports a delta that cannot be applied to its base. For
// deltas this process produced it means the store is corrupted.
var ErrCorruptDelta = errors.New("corrupt delta")

// Engine ids persisted with delta nodes. Never renumber.
const (
	EngineChunked byte = 1
	EngineBsdiff  byte = 2
)

// Engine defines the interface for delta operations
type Engine interface {
	// ID returns the byte identifier stored with every delta this engine writes.
	ID() byte

	// Name returns the configuration name of the engine.
	Name() string

	// Diff computes the delta that turns base into target.
	Diff(base, target []byte) ([]byte, error)

	// Apply applies a delta to base and returns the target bytes.
	Apply(base, delta []byte) ([]byte, error)
}

var engines = map[byte]Engine{}

func register(e Engine) {
	engines[e.ID()] = e
}

func init() {
	register(NewChunkedEngine())
	register(NewBsdiffEngine())
}

// NewEngine returns the engine registered under the given configuration name.
func NewEngine(name string) (Engine, error) {
	for _, e := range engines {
		if e.Name() == name {
			return e, nil
		}
	}
	return nil, errors.Newf("unsupported delta engine: %s (must be one of %v)", name, Names())
}

// EngineForID resolves the engine that wrote a persisted delta.
func EngineForID(id byte) (Engine, error) {
	e, ok := engines[id]
	if !ok {
		return nil, errors.Wrapf(ErrCorruptDelta, "unknown delta engine id %d", id)
	}
	return e, nil
}

// Names lists the registered engine names in sorted order.
func Names() []string {
	names := make([]string, 0, len(engines))
	for _, e := range engines {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// Stats holds statistics about a delta operation
type Stats struct {
	OldSize         int     // Size of base data
	NewSize         int     // Size of target data
	DeltaSize       int     // Size of delta data
	CompressionRate float64 // Delta size / new size (lower is better)
}

// ComputeStats calculates statistics for a delta operation
func ComputeStats(oldData, newData, deltaData []byte) Stats {
	stats := Stats{
		OldSize:   len(oldData),
		NewSize:   len(newData),
		DeltaSize: len(deltaData),
	}

	if len(newData) > 0 {
		stats.CompressionRate = float64(len(deltaData)) / float64(len(newData))
	}

	return stats
}
