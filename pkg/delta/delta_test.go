package delta

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

func htmlPage(rows int, word string) []byte {
	var sb strings.Builder
	sb.WriteString("<html>\n<head><title>news</title></head>\n<body>\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "  <div class=\"item\"><a href=\"/story/%d\">%s story %d</a></div>\n", i, word, i)
	}
	sb.WriteString("</body>\n</html>\n")
	return []byte(sb.String())
}

func TestNewEngine(t *testing.T) {
	tests := []struct {
		name    string
		library string
		wantID  byte
		wantErr bool
	}{
		{"chunked engine", "chunked", EngineChunked, false},
		{"bsdiff engine", "bsdiff", EngineBsdiff, false},
		{"invalid engine", "xdelta", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(tt.library)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEngine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && engine.ID() != tt.wantID {
				t.Errorf("NewEngine(%q).ID() = %d, want %d", tt.library, engine.ID(), tt.wantID)
			}
		})
	}
}

func TestEngineForID(t *testing.T) {
	e, err := EngineForID(EngineBsdiff)
	if err != nil {
		t.Fatalf("EngineForID() error = %v", err)
	}
	if e.Name() != "bsdiff" {
		t.Errorf("EngineForID(%d).Name() = %s, want bsdiff", EngineBsdiff, e.Name())
	}

	if _, err := EngineForID(0xee); !errors.Is(err, ErrCorruptDelta) {
		t.Errorf("EngineForID(unknown) error = %v, want ErrCorruptDelta", err)
	}
}

func TestEngines_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		oldData []byte
		newData []byte
	}{
		{"identical data", []byte("hello world"), []byte("hello world")},
		{"simple change", []byte("hello world"), []byte("hello mars!")},
		{"empty old data", []byte{}, []byte("new page content")},
		{"empty new data", []byte("old page content"), []byte{}},
		{"both empty", []byte{}, []byte{}},
		{"large change", bytes.Repeat([]byte("A"), 10000), bytes.Repeat([]byte("B"), 10000)},
		{"html edit", htmlPage(300, "breaking"), htmlPage(301, "breaking")},
		{"whitespace only", []byte("<html>A</html>"), []byte("<html> A</html>")},
		{"reordered", htmlPage(50, "one"), append(htmlPage(50, "two"), htmlPage(50, "one")...)},
	}

	for _, library := range Names() {
		engine, err := NewEngine(library)
		if err != nil {
			t.Fatalf("NewEngine(%q) error = %v", library, err)
		}

		for _, tt := range tests {
			t.Run(library+"/"+tt.name, func(t *testing.T) {
				patch, err := engine.Diff(tt.oldData, tt.newData)
				if err != nil {
					t.Fatalf("Diff() error = %v", err)
				}

				got, err := engine.Apply(tt.oldData, patch)
				if err != nil {
					t.Fatalf("Apply() error = %v", err)
				}

				if !bytes.Equal(got, tt.newData) {
					t.Errorf("Round-trip failed: got %d bytes, want %d", len(got), len(tt.newData))
				}
			})
		}
	}
}

func TestChunkedEngine_RandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	engine := NewChunkedEngine()

	for i := 0; i < 200; i++ {
		base := make([]byte, rng.Intn(4096))
		rng.Read(base)

		target := append([]byte(nil), base...)
		for edits := rng.Intn(8); edits > 0; edits-- {
			pos := 0
			if len(target) > 0 {
				pos = rng.Intn(len(target))
			}
			switch rng.Intn(3) {
			case 0:
				ins := make([]byte, rng.Intn(64))
				rng.Read(ins)
				target = append(target[:pos], append(ins, target[pos:]...)...)
			case 1:
				end := min(len(target), pos+rng.Intn(64))
				target = append(target[:pos], target[end:]...)
			default:
				if len(target) > 0 {
					target[pos] ^= 0xff
				}
			}
		}

		patch, err := engine.Diff(base, target)
		if err != nil {
			t.Fatalf("case %d: Diff() error = %v", i, err)
		}
		got, err := engine.Apply(base, patch)
		if err != nil {
			t.Fatalf("case %d: Apply() error = %v", i, err)
		}
		if !bytes.Equal(got, target) {
			t.Fatalf("case %d: round-trip mismatch", i)
		}
	}
}

func TestChunkedEngine_Deterministic(t *testing.T) {
	engine := NewChunkedEngine()
	base := htmlPage(200, "first")
	target := htmlPage(210, "second")

	a, err := engine.Diff(base, target)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	b, err := engine.Diff(base, target)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Error("Diff() produced different deltas for the same input")
	}
}

func TestCompute_DegenerateCases(t *testing.T) {
	params := NewChunkedEngine().params

	same := Compute([]byte("abc"), []byte("abc"), params)
	if len(same.Ops) != 1 || same.Ops[0].Kind != OpCopy || same.Ops[0].Length != 3 {
		t.Errorf("identical inputs: ops = %+v, want one full copy", same.Ops)
	}

	fresh := Compute(nil, []byte("<html>A</html>"), params)
	if len(fresh.Ops) != 1 || fresh.Ops[0].Kind != OpInsert || string(fresh.Ops[0].Data) != "<html>A</html>" {
		t.Errorf("empty base: ops = %+v, want one literal insert", fresh.Ops)
	}

	empty := Compute([]byte("abc"), nil, params)
	if len(empty.Ops) != 0 || empty.TargetLen != 0 {
		t.Errorf("empty target: script = %+v, want no ops", empty)
	}
}

func TestCompute_ReusesBase(t *testing.T) {
	base := htmlPage(500, "story")
	target := append(append([]byte(nil), base...), "<footer>updated</footer>\n"...)

	s := Compute(base, target, NewChunkedEngine().params)
	literal := 0
	for _, op := range s.Ops {
		if op.Kind == OpInsert {
			literal += len(op.Data)
		}
	}

	if literal > len(target)/4 {
		t.Errorf("append-only edit inserted %d literal bytes of %d", literal, len(target))
	}
}

func TestScriptApply_CorruptDelta(t *testing.T) {
	base := []byte("0123456789")

	tests := []struct {
		name   string
		script Script
	}{
		{"copy past end", Script{TargetLen: 5, Ops: []Op{{Kind: OpCopy, Offset: 8, Length: 5}}}},
		{"copy offset past end", Script{TargetLen: 1, Ops: []Op{{Kind: OpCopy, Offset: 11, Length: 1}}}},
		{"length mismatch", Script{TargetLen: 4, Ops: []Op{{Kind: OpCopy, Offset: 0, Length: 3}}}},
		{"overrun", Script{TargetLen: 1, Ops: []Op{{Kind: OpInsert, Length: 2, Data: []byte("xy")}}}},
		{"unknown op", Script{TargetLen: 1, Ops: []Op{{Kind: 0x7f}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.script.Apply(base); !errors.Is(err, ErrCorruptDelta) {
				t.Errorf("Apply() error = %v, want ErrCorruptDelta", err)
			}
		})
	}
}

func TestParseScript_CorruptDelta(t *testing.T) {
	valid, err := Compute([]byte("hello"), []byte("hello world"), NewChunkedEngine().params).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("XXXX\x01")},
		{"truncated", valid[:len(valid)-3]},
		{"unknown tag", append([]byte(scriptMagic+"\x01"), 0x09)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChunkedEngine().Apply([]byte("hello"), tt.data)
			if !errors.Is(err, ErrCorruptDelta) {
				t.Errorf("Apply() error = %v, want ErrCorruptDelta", err)
			}
		})
	}
}

func TestBsdiffEngine_CorruptDelta(t *testing.T) {
	engine := NewBsdiffEngine()

	if _, err := engine.Apply([]byte("base"), nil); !errors.Is(err, ErrCorruptDelta) {
		t.Errorf("Apply(empty patch) error = %v, want ErrCorruptDelta", err)
	}
	if _, err := engine.Apply([]byte("base"), []byte("not a bsdiff patch")); !errors.Is(err, ErrCorruptDelta) {
		t.Errorf("Apply(unknown mode) error = %v, want ErrCorruptDelta", err)
	}
	if _, err := engine.Apply([]byte("base"), []byte{0x01, 'B', 'S', 'D', 'I', 'F', 'F'}); !errors.Is(err, ErrCorruptDelta) {
		t.Errorf("Apply(truncated patch) error = %v, want ErrCorruptDelta", err)
	}
}

func TestComputeStats(t *testing.T) {
	oldData := []byte("hello world")
	newData := []byte("hello mars!")
	patchData := []byte("small patch")

	stats := ComputeStats(oldData, newData, patchData)

	if stats.OldSize != len(oldData) || stats.NewSize != len(newData) || stats.DeltaSize != len(patchData) {
		t.Errorf("ComputeStats() sizes = %+v", stats)
	}

	expectedRate := float64(len(patchData)) / float64(len(newData))
	if stats.CompressionRate != expectedRate {
		t.Errorf("CompressionRate = %f, want %f", stats.CompressionRate, expectedRate)
	}

	if empty := ComputeStats([]byte("old"), nil, nil); empty.CompressionRate != 0 {
		t.Errorf("CompressionRate for empty new data = %f, want 0", empty.CompressionRate)
	}
}

func BenchmarkChunkedDiff_HTML(b *testing.B) {
	engine := NewChunkedEngine()
	oldData := htmlPage(5000, "old")
	newData := htmlPage(5010, "old")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Diff(oldData, newData); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBsdiffDiff_HTML(b *testing.B) {
	engine := NewBsdiffEngine()
	oldData := htmlPage(5000, "old")
	newData := htmlPage(5010, "old")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Diff(oldData, newData); err != nil {
			b.Fatal(err)
		}
	}
}
