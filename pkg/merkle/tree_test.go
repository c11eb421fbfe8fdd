package merkle

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
)

func chainHashes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("QmHash%03d", i)
	}
	return out
}

func TestLeaf(t *testing.T) {
	a := Leaf{Seq: 0, Hash: "h"}
	b := Leaf{Seq: 1, Hash: "h"}

	ha, err := a.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}
	hb, _ := b.CalculateHash()
	if bytes.Equal(ha, hb) {
		t.Error("same content at different seq produced same leaf hash")
	}

	eq, err := a.Equals(Leaf{Seq: 0, Hash: "h"})
	if err != nil || !eq {
		t.Errorf("Equals(identical) = %v, %v", eq, err)
	}
	eq, _ = a.Equals(b)
	if eq {
		t.Error("Equals() true for different seq")
	}
}

func TestChainRoot(t *testing.T) {
	root, err := ChainRoot(nil)
	if err != nil || root != nil {
		t.Errorf("ChainRoot(nil) = %x, %v; want nil, nil", root, err)
	}

	for _, n := range []int{1, 2, 3, 8, 13} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			hashes := chainHashes(n)
			root, err := ChainRoot(hashes)
			if err != nil {
				t.Fatalf("ChainRoot() error = %v", err)
			}
			if len(root) != 32 {
				t.Errorf("root length = %d, want 32", len(root))
			}
			if err := VerifyChain(hashes, root); err != nil {
				t.Errorf("VerifyChain() error = %v", err)
			}
		})
	}
}

func TestVerifyChain_Mismatch(t *testing.T) {
	hashes := chainHashes(4)
	root, err := ChainRoot(hashes)
	if err != nil {
		t.Fatalf("ChainRoot() error = %v", err)
	}

	tampered := append([]string(nil), hashes...)
	tampered[2] = "QmTampered"
	if err := VerifyChain(tampered, root); !errors.Is(err, ErrRootMismatch) {
		t.Errorf("VerifyChain(tampered) error = %v, want ErrRootMismatch", err)
	}

	if err := VerifyChain(hashes[:3], root); !errors.Is(err, ErrRootMismatch) {
		t.Errorf("VerifyChain(truncated) error = %v, want ErrRootMismatch", err)
	}

	if err := VerifyChain(nil, root); !errors.Is(err, ErrRootMismatch) {
		t.Errorf("VerifyChain(empty) error = %v, want ErrRootMismatch", err)
	}
	if err := VerifyChain(nil, nil); err != nil {
		t.Errorf("VerifyChain(empty, nil) error = %v", err)
	}
}
