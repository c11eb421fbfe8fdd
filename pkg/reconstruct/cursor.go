package reconstruct

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/saworbit/pagekeeper/pkg/chain"
	"github.com/saworbit/pagekeeper/pkg/compress"
	"github.com/saworbit/pagekeeper/pkg/delta"
	"github.com/saworbit/pagekeeper/pkg/digest"
)

// cursor is the running content of one replay.
type cursor struct {
	content []byte
	hash    string
	started bool
}

// advance applies node seq to the cursor and verifies the result.
func (c *cursor) advance(ctx context.Context, src Source, pageID string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	node, err := src.GetNode(ctx, pageID, seq)
	if err != nil {
		return err
	}

	raw, err := compress.Decompress(node.Payload)
	if err != nil {
		return errors.Wrapf(err, "page %q seq %d", pageID, seq)
	}

	switch node.Kind {
	case chain.KindSnapshot:
		c.content = raw
	case chain.KindDelta:
		if !c.started {
			return errors.Wrapf(chain.ErrCorruptChain, "page %q seq %d: delta without a base", pageID, seq)
		}
		eng, err := delta.EngineForID(node.Engine)
		if err != nil {
			return errors.Wrapf(err, "page %q seq %d", pageID, seq)
		}
		out, err := eng.Apply(c.content, raw)
		if err != nil {
			return errors.Wrapf(err, "page %q seq %d", pageID, seq)
		}
		c.content = out
	default:
		return errors.Wrapf(chain.ErrCorruptChain, "page %q seq %d: unknown node kind %d", pageID, seq, node.Kind)
	}

	ok, err := digest.Verify(node.ContentHash, c.content)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "page %q seq %d", pageID, seq), chain.ErrCorruptChain)
	}
	if !ok {
		return errors.Wrapf(chain.ErrCorruptChain, "page %q seq %d: content hash mismatch", pageID, seq)
	}

	c.hash = node.ContentHash
	c.started = true
	return nil
}
