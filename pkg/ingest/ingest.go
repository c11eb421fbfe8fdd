// Package ingest decides, for each fetched page body, whether it is a new
// version and appends it to the page's chain if so.
package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/saworbit/pagekeeper/internal/metrics"
	"github.com/saworbit/pagekeeper/pkg/chain"
	"github.com/saworbit/pagekeeper/pkg/compress"
	"github.com/saworbit/pagekeeper/pkg/delta"
	"github.com/saworbit/pagekeeper/pkg/digest"
	"github.com/saworbit/pagekeeper/pkg/reconstruct"
)

// OutcomeKind tells callers whether an ingest produced a new version.
type OutcomeKind int

const (
	// Unchanged means the content matched the latest version; nothing was appended.
	Unchanged OutcomeKind = iota
	// Appended means a new node was written at Outcome.Seq.
	Appended
)

func (k OutcomeKind) String() string {
	if k == Appended {
		return "appended"
	}
	return "unchanged"
}

// Request is one fetched page body.
type Request struct {
	PageID     string
	Subdomain  string
	Content    []byte
	Validators chain.Validators
	HTTPStatus int
	CapturedAt time.Time // zero means now
}

// Outcome reports what Ingest did.
type Outcome struct {
	Kind     OutcomeKind
	Seq      uint64 // appended seq, or the unchanged head
	NodeKind chain.Kind
	Stats    delta.Stats // OldSize is the previous version; DeltaSize the stored payload
}

// Store is the chain store surface ingest writes through.
type Store interface {
	Lock(pageID string) (unlock func())
	LatestSequence(ctx context.Context, pageID string) (uint64, bool, error)
	EnsurePage(ctx context.Context, pageID, subdomain string) (chain.Page, error)
	Append(ctx context.Context, node chain.Node) error
	TouchValidators(ctx context.Context, pageID string, v chain.Validators, at time.Time) error
}

// Materializer returns verified historical content.
type Materializer interface {
	Materialize(ctx context.Context, pageID string, seq uint64) (reconstruct.Version, error)
}

// Options tunes a Coordinator.
type Options struct {
	Engine   delta.Engine   // defaults to the chunked engine
	Codec    compress.Codec // defaults to zstd
	HashAlgo string         // defaults to digest.Default

	// SnapshotInterval makes every node whose seq is a multiple of it a full
	// snapshot. Zero keeps a pure delta chain after node 0.
	SnapshotInterval uint64

	Logger *slog.Logger
	Now    func() time.Time
}

// Coordinator runs the ingest decision. It is safe for concurrent use;
// calls for the same page are serialised through Store.Lock.
type Coordinator struct {
	store  Store
	mat    Materializer
	opts   Options
	logger *slog.Logger
}

// New builds a Coordinator.
func New(store Store, mat Materializer, opts Options) (*Coordinator, error) {
	if store == nil || mat == nil {
		return nil, errors.New("ingest requires a store and a materializer")
	}
	if opts.Engine == nil {
		opts.Engine = delta.NewChunkedEngine()
	}
	if opts.Codec == nil {
		codec, err := compress.New("")
		if err != nil {
			return nil, err
		}
		opts.Codec = codec
	}
	if opts.HashAlgo == "" {
		opts.HashAlgo = digest.Default
	}
	if _, err := digest.Sum(opts.HashAlgo, nil); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		store:  store,
		mat:    mat,
		opts:   opts,
		logger: logger.With("component", "ingest"),
	}, nil
}

// Ingest records req.Content as the next version of req.PageID unless it is
// byte-identical to the latest version. Validators are refreshed either way.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	out, err := c.ingest(ctx, req)

	captureType := "unchanged"
	if out.Kind == Appended {
		captureType = out.NodeKind.String()
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if chain.IsIntegrityError(err) || errors.Is(err, delta.ErrCorruptDelta) || errors.Is(err, compress.ErrCorruptPayload) {
			outcome = "corrupt"
			metrics.IntegrityErrorsTotal.Inc()
		}
	}
	metrics.ObserveCapture(start, captureType, outcome)
	return out, err
}

func (c *Coordinator) ingest(ctx context.Context, req Request) (Outcome, error) {
	if req.PageID == "" {
		return Outcome{}, errors.Wrap(chain.ErrInvalidNode, "empty page id")
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	hash, err := digest.Sum(c.opts.HashAlgo, req.Content)
	if err != nil {
		return Outcome{}, err
	}
	capturedAt := req.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = c.opts.Now().UTC()
	}

	unlock := c.store.Lock(req.PageID)
	defer unlock()

	latest, ok, err := c.store.LatestSequence(ctx, req.PageID)
	if err != nil {
		return Outcome{}, err
	}

	node := chain.Node{
		PageID:      req.PageID,
		ContentHash: hash,
		CapturedAt:  capturedAt,
		Validators:  req.Validators,
		HTTPStatus:  req.HTTPStatus,
		Size:        int64(len(req.Content)),
	}

	if !ok {
		if _, err := c.store.EnsurePage(ctx, req.PageID, req.Subdomain); err != nil {
			return Outcome{}, err
		}
		node.Seq = 0
		return c.appendSnapshot(ctx, node, req.Content, nil)
	}

	prev, err := c.mat.Materialize(ctx, req.PageID, latest)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "materialize latest version of %q", req.PageID)
	}

	// Digests made with another algorithm never match, so fall back to bytes.
	if prev.Hash == hash || bytes.Equal(prev.Content, req.Content) {
		if err := c.store.TouchValidators(ctx, req.PageID, req.Validators, capturedAt); err != nil {
			return Outcome{}, err
		}
		c.logger.Debug("page unchanged", "page", req.PageID, "seq", latest)
		return Outcome{Kind: Unchanged, Seq: latest}, nil
	}

	if req.Subdomain != "" {
		if _, err := c.store.EnsurePage(ctx, req.PageID, req.Subdomain); err != nil {
			return Outcome{}, err
		}
	}

	node.Seq = latest + 1
	if c.opts.SnapshotInterval > 0 && node.Seq%c.opts.SnapshotInterval == 0 {
		return c.appendSnapshot(ctx, node, req.Content, prev.Content)
	}
	return c.appendDelta(ctx, node, prev.Content, req.Content)
}

func (c *Coordinator) appendSnapshot(ctx context.Context, node chain.Node, content, prev []byte) (Outcome, error) {
	payload, err := c.opts.Codec.Compress(content)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "page %q seq %d: compress snapshot", node.PageID, node.Seq)
	}
	node.Kind = chain.KindSnapshot
	node.Payload = payload

	return c.commit(ctx, node, delta.ComputeStats(prev, content, payload))
}

func (c *Coordinator) appendDelta(ctx context.Context, node chain.Node, prev, content []byte) (Outcome, error) {
	script, err := c.opts.Engine.Diff(prev, content)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "page %q seq %d: diff", node.PageID, node.Seq)
	}
	payload, err := c.opts.Codec.Compress(script)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "page %q seq %d: compress delta", node.PageID, node.Seq)
	}
	node.Kind = chain.KindDelta
	node.Engine = c.opts.Engine.ID()
	node.Payload = payload

	out, err := c.commit(ctx, node, delta.ComputeStats(prev, content, payload))
	if err == nil {
		metrics.AddDeltas(c.opts.Engine.Name(), 1)
	}
	return out, err
}

func (c *Coordinator) commit(ctx context.Context, node chain.Node, stats delta.Stats) (Outcome, error) {
	// Nothing has been written yet; a cancelled cycle leaves the chain as it was.
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := c.store.Append(ctx, node); err != nil {
		return Outcome{}, err
	}

	metrics.ObserveStorageSavings(node.Size, int64(len(node.Payload)))
	c.logger.Info("version appended",
		"page", node.PageID,
		"seq", node.Seq,
		"kind", node.Kind.String(),
		"size", node.Size,
		"stored", len(node.Payload))

	return Outcome{Kind: Appended, Seq: node.Seq, NodeKind: node.Kind, Stats: stats}, nil
}
