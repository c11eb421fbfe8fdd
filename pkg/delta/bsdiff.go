package delta

import (
	"github.com/cockroachdb/errors"
	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
)

// bsdiff deltas start with a mode byte.
const (
	bsdiffLiteral byte = 0x00 // the rest is the target itself
	bsdiffPatch   byte = 0x01 // the rest is a bsdiff patch
)

// BsdiffEngine implements Engine using bsdiff
type BsdiffEngine struct{}

// NewBsdiffEngine creates a new bsdiff-based delta engine
func NewBsdiffEngine() *BsdiffEngine {
	return &BsdiffEngine{}
}

// ID returns the persisted engine id.
func (e *BsdiffEngine) ID() byte {
	return EngineBsdiff
}

// Name returns the name of the engine
func (e *BsdiffEngine) Name() string {
	return "bsdiff"
}

// Diff computes a binary delta using bsdiff. An empty base or target is
// stored literally since bsdiff has nothing to match against.
func (e *BsdiffEngine) Diff(base, target []byte) ([]byte, error) {
	if len(base) == 0 || len(target) == 0 {
		return append([]byte{bsdiffLiteral}, target...), nil
	}

	patch, err := bsdiff.Bytes(base, target)
	if err != nil {
		return nil, errors.Wrap(err, "bsdiff computation failed")
	}

	return append([]byte{bsdiffPatch}, patch...), nil
}

// Apply applies a bsdiff patch to base data
func (e *BsdiffEngine) Apply(base, delta []byte) (out []byte, err error) {
	if len(delta) == 0 {
		return nil, errors.Wrap(ErrCorruptDelta, "empty bsdiff delta")
	}

	switch delta[0] {
	case bsdiffLiteral:
		return append([]byte{}, delta[1:]...), nil
	case bsdiffPatch:
	default:
		return nil, errors.Wrapf(ErrCorruptDelta, "unknown bsdiff mode 0x%02x", delta[0])
	}

	// bspatch indexes into base with offsets read from the patch and can
	// panic on a malformed one.
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Wrapf(ErrCorruptDelta, "bspatch panicked: %v", r)
		}
	}()

	out, err = bspatch.Bytes(base, delta[1:])
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptDelta, "bspatch application failed: %v", err)
	}

	return out, nil
}
