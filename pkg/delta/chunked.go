package delta

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/saworbit/pagekeeper/pkg/chunk"
)

// OpKind is the instruction type of one edit script step.
type OpKind byte

const (
	// OpCopy copies Length bytes starting at Offset in the base.
	OpCopy OpKind = 0x01
	// OpInsert appends the literal Data.
	OpInsert OpKind = 0x02
)

const scriptMagic = "PKD1"

// Op is a single copy-from-base or insert-literal instruction.
type Op struct {
	Kind   OpKind
	Offset int
	Length int
	Data   []byte
}

// Script is an edit script that rebuilds a target from a base.
type Script struct {
	TargetLen int
	Ops       []Op
}

// Compute builds the edit script that turns base into target. Base and
// target are cut into content-defined chunks; every target chunk that also
// occurs in base becomes a copy and everything else an insert. The result
// depends only on its inputs.
func Compute(base, target []byte, params chunk.Params) Script {
	s := Script{TargetLen: len(target)}

	switch {
	case len(target) == 0:
		return s
	case len(base) == 0:
		s.insert(target)
		return s
	case bytes.Equal(base, target):
		s.copy(0, len(base))
		return s
	}

	// First occurrence wins so the script is stable across runs.
	index := make(map[[32]byte]int)
	for _, c := range chunk.Split(base, params) {
		if _, ok := index[c.Hash]; !ok {
			index[c.Hash] = c.Offset
		}
	}

	for _, c := range chunk.Split(target, params) {
		off, ok := index[c.Hash]
		if ok && off+len(c.Data) <= len(base) && bytes.Equal(base[off:off+len(c.Data)], c.Data) {
			s.copy(off, len(c.Data))
			continue
		}
		s.insert(c.Data)
	}

	return s
}

func (s *Script) copy(off, n int) {
	if last := len(s.Ops) - 1; last >= 0 {
		op := &s.Ops[last]
		if op.Kind == OpCopy && op.Offset+op.Length == off {
			op.Length += n
			return
		}
	}
	s.Ops = append(s.Ops, Op{Kind: OpCopy, Offset: off, Length: n})
}

func (s *Script) insert(data []byte) {
	if last := len(s.Ops) - 1; last >= 0 {
		op := &s.Ops[last]
		if op.Kind == OpInsert {
			op.Data = append(op.Data, data...)
			op.Length = len(op.Data)
			return
		}
	}
	s.Ops = append(s.Ops, Op{Kind: OpInsert, Length: len(data), Data: append([]byte(nil), data...)})
}

// maxPrealloc bounds the buffer reserved from an untrusted length header.
const maxPrealloc = 64 << 20

// Apply runs the script against base.
func (s Script) Apply(base []byte) ([]byte, error) {
	out := make([]byte, 0, min(s.TargetLen, maxPrealloc))

	for i, op := range s.Ops {
		switch op.Kind {
		case OpCopy:
			if op.Offset < 0 || op.Length < 0 || op.Offset > len(base) || op.Length > len(base)-op.Offset {
				return nil, errors.Wrapf(ErrCorruptDelta,
					"op %d copies [%d,+%d) outside base of %d bytes", i, op.Offset, op.Length, len(base))
			}
			out = append(out, base[op.Offset:op.Offset+op.Length]...)
		case OpInsert:
			out = append(out, op.Data...)
		default:
			return nil, errors.Wrapf(ErrCorruptDelta, "op %d has unknown kind 0x%02x", i, byte(op.Kind))
		}

		if len(out) > s.TargetLen {
			return nil, errors.Wrapf(ErrCorruptDelta, "script overruns target length %d", s.TargetLen)
		}
	}

	if len(out) != s.TargetLen {
		return nil, errors.Wrapf(ErrCorruptDelta, "script produced %d bytes, header says %d", len(out), s.TargetLen)
	}

	return out, nil
}

// MarshalBinary encodes the script: magic, uvarint target length, then one
// tagged record per op.
func (s Script) MarshalBinary() ([]byte, error) {
	size := len(scriptMagic) + binary.MaxVarintLen64
	for _, op := range s.Ops {
		size += 1 + 2*binary.MaxVarintLen64 + len(op.Data)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, scriptMagic...)
	buf = binary.AppendUvarint(buf, uint64(s.TargetLen))

	for _, op := range s.Ops {
		buf = append(buf, byte(op.Kind))
		switch op.Kind {
		case OpCopy:
			buf = binary.AppendUvarint(buf, uint64(op.Offset))
			buf = binary.AppendUvarint(buf, uint64(op.Length))
		case OpInsert:
			buf = binary.AppendUvarint(buf, uint64(len(op.Data)))
			buf = append(buf, op.Data...)
		default:
			return nil, errors.Newf("cannot encode op kind 0x%02x", byte(op.Kind))
		}
	}

	return buf, nil
}

// ParseScript decodes a script produced by MarshalBinary.
func ParseScript(data []byte) (Script, error) {
	if len(data) < len(scriptMagic) || string(data[:len(scriptMagic)]) != scriptMagic {
		return Script{}, errors.Wrap(ErrCorruptDelta, "missing script header")
	}

	r := scriptReader{buf: data[len(scriptMagic):]}
	targetLen, err := r.int()
	if err != nil {
		return Script{}, err
	}

	s := Script{TargetLen: targetLen}
	for !r.done() {
		kind := OpKind(r.buf[0])
		r.buf = r.buf[1:]

		switch kind {
		case OpCopy:
			off, err := r.int()
			if err != nil {
				return Script{}, err
			}
			n, err := r.int()
			if err != nil {
				return Script{}, err
			}
			s.Ops = append(s.Ops, Op{Kind: OpCopy, Offset: off, Length: n})
		case OpInsert:
			n, err := r.int()
			if err != nil {
				return Script{}, err
			}
			if n > len(r.buf) {
				return Script{}, errors.Wrapf(ErrCorruptDelta, "insert of %d bytes truncated at %d", n, len(r.buf))
			}
			s.Ops = append(s.Ops, Op{Kind: OpInsert, Length: n, Data: r.buf[:n:n]})
			r.buf = r.buf[n:]
		default:
			return Script{}, errors.Wrapf(ErrCorruptDelta, "unknown op tag 0x%02x", byte(kind))
		}
	}

	return s, nil
}

type scriptReader struct {
	buf []byte
}

func (r *scriptReader) done() bool {
	return len(r.buf) == 0
}

func (r *scriptReader) int() (int, error) {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, errors.Wrap(ErrCorruptDelta, "truncated varint")
	}
	if v > math.MaxInt32 {
		return 0, errors.Wrapf(ErrCorruptDelta, "value %d out of range", v)
	}
	r.buf = r.buf[n:]
	return int(v), nil
}

// ChunkedEngine implements Engine with content-defined chunk matching.
type ChunkedEngine struct {
	params chunk.Params
}

// NewChunkedEngine creates the default delta engine.
func NewChunkedEngine() *ChunkedEngine {
	return &ChunkedEngine{params: chunk.DefaultParams()}
}

// ID returns the persisted engine id.
func (e *ChunkedEngine) ID() byte {
	return EngineChunked
}

// Name returns the name of the engine
func (e *ChunkedEngine) Name() string {
	return "chunked"
}

// Diff computes and encodes the edit script from base to target.
func (e *ChunkedEngine) Diff(base, target []byte) ([]byte, error) {
	return Compute(base, target, e.params).MarshalBinary()
}

// Apply decodes an edit script and applies it to base.
func (e *ChunkedEngine) Apply(base, delta []byte) ([]byte, error) {
	s, err := ParseScript(delta)
	if err != nil {
		return nil, err
	}
	return s.Apply(base)
}
