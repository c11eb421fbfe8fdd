// Package merkle fingerprints a page's version chain.
//
// Every chain node contributes one leaf made of its sequence number and
// content digest. The root changes whenever any historical version would
// reconstruct to different bytes, so a stored root detects silent rewrites of
// chain metadata.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/cbergoon/merkletree"
	"github.com/cockroachdb/errors"
)

// ErrRootMismatch reports a chain whose recomputed root differs from the stored one.
var ErrRootMismatch = errors.New("merkle root mismatch")

// Leaf implements merkletree.Content for one chain node.
type Leaf struct {
	Seq  uint64
	Hash string
}

// CalculateHash implements the Content interface
func (l Leaf) CalculateHash() ([]byte, error) {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.Seq)

	h := sha256.New()
	h.Write(seq[:])
	if _, err := h.Write([]byte(l.Hash)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Equals implements the Content interface
func (l Leaf) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(Leaf)
	if !ok {
		return false, errors.New("type mismatch")
	}
	return l.Seq == o.Seq && l.Hash == o.Hash, nil
}

// BuildTree builds a Merkle tree over content digests ordered by sequence.
func BuildTree(hashes []string) (*merkletree.MerkleTree, error) {
	if len(hashes) == 0 {
		return nil, errors.New("cannot build tree from empty chain")
	}

	contents := make([]merkletree.Content, 0, len(hashes))
	for i, h := range hashes {
		contents = append(contents, Leaf{Seq: uint64(i), Hash: h})
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build Merkle tree")
	}

	return tree, nil
}

// ChainRoot returns the root over hashes, or nil for an empty chain.
func ChainRoot(hashes []string) ([]byte, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	tree, err := BuildTree(hashes)
	if err != nil {
		return nil, err
	}
	return tree.MerkleRoot(), nil
}

// VerifyChain rebuilds the tree and compares its root with expected.
func VerifyChain(hashes []string, expected []byte) error {
	if len(hashes) == 0 {
		if len(expected) == 0 {
			return nil
		}
		return errors.Wrap(ErrRootMismatch, "empty chain has a stored root")
	}

	tree, err := BuildTree(hashes)
	if err != nil {
		return err
	}

	valid, err := tree.VerifyTree()
	if err != nil {
		return errors.Wrap(err, "tree verification failed")
	}
	if !valid {
		return errors.New("tree structure is invalid")
	}

	if actual := tree.MerkleRoot(); !bytes.Equal(actual, expected) {
		return errors.Wrapf(ErrRootMismatch, "expected %x, got %x", expected, actual)
	}

	return nil
}
