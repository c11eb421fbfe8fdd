// Package chain persists per-page version chains in Pebble.
//
// Each page owns an ordered chain of nodes. Node 0 is always a full snapshot
// and every later node is either a delta against its predecessor or a fresh
// snapshot. Sequence numbers are dense: an append must carry exactly the
// current head plus one.
package chain

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/saworbit/pagekeeper/pkg/merkle"
)

var errReadOnly = errors.New("store opened read-only")

// Store is a Pebble-backed version chain store. It is safe for concurrent use.
type Store struct {
	db       *pebble.DB
	ownsDB   bool
	readOnly bool
	logger   *slog.Logger

	// sections serialises whole read-decide-append sequences of callers.
	sections *keyedMutex
	// writes serialises individual mutations of one page.
	writes *keyedMutex
}

type options struct {
	readOnly bool
	fs       vfs.FS
	logger   *slog.Logger
}

// Option configures Open and New.
type Option func(*options)

// WithReadOnly opens the database without write access.
func WithReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// WithFS replaces the on-disk filesystem, typically with vfs.NewMem in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *options) { o.fs = fs }
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "chain")
	return o
}

// Open opens (creating if needed) the store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)

	pebbleOpts := &pebble.Options{ReadOnly: o.readOnly}
	if o.fs != nil {
		pebbleOpts.FS = o.fs
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "open chain store at %s", dir)
	}

	s := newStore(db, o)
	s.ownsDB = true
	return s, nil
}

// New wraps an already open database. Close leaves db open.
func New(db *pebble.DB, opts ...Option) *Store {
	return newStore(db, buildOptions(opts))
}

func newStore(db *pebble.DB, o options) *Store {
	return &Store{
		db:       db,
		readOnly: o.readOnly,
		logger:   o.logger,
		sections: newKeyedMutex(),
		writes:   newKeyedMutex(),
	}
}

// Close releases the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Lock reserves pageID for a read-decide-append sequence and returns the
// release function. Appends from other holders of the same page wait; other
// pages are unaffected.
func (s *Store) Lock(pageID string) (unlock func()) {
	return s.sections.Lock(pageID)
}

// Append persists node as the next element of its page's chain.
//
// The node must carry the current head plus one (zero for an empty chain).
// Node metadata, payload and the refreshed page record are written in one
// synced batch, so a crash leaves either the old chain or the new one.
func (s *Store) Append(ctx context.Context, node Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.readOnly {
		return errReadOnly
	}
	if err := validateNode(node); err != nil {
		return err
	}

	unlock := s.writes.Lock(node.PageID)
	defer unlock()

	hashes, err := s.contentHashes(node.PageID)
	if err != nil {
		return err
	}
	if expected := uint64(len(hashes)); node.Seq != expected {
		return errors.Wrapf(ErrOutOfOrderAppend, "page %q: got seq %d, chain expects %d",
			node.PageID, node.Seq, expected)
	}
	hashes = append(hashes, node.ContentHash)

	root, err := merkle.ChainRoot(hashes)
	if err != nil {
		return errors.Wrapf(err, "page %q: chain root", node.PageID)
	}

	page, err := s.loadPage(node.PageID)
	switch {
	case errors.Is(err, ErrNotFound):
		page = Page{ID: node.PageID, CreatedAt: node.CapturedAt}
	case err != nil:
		return err
	}
	page.Validators = node.Validators
	page.CheckedAt = node.CapturedAt
	page.ChainRoot = root

	metaBytes, err := json.Marshal(node.Info())
	if err != nil {
		return errors.Wrap(err, "marshal node metadata")
	}
	pageBytes, err := json.Marshal(page)
	if err != nil {
		return errors.Wrap(err, "marshal page record")
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(metaKey(node.PageID, node.Seq), metaBytes, nil); err != nil {
		return errors.Wrap(err, "stage node metadata")
	}
	if err := batch.Set(payloadKey(node.PageID, node.Seq), node.Payload, nil); err != nil {
		return errors.Wrap(err, "stage node payload")
	}
	if err := batch.Set(pageKey(node.PageID), pageBytes, nil); err != nil {
		return errors.Wrap(err, "stage page record")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "page %q: commit seq %d", node.PageID, node.Seq)
	}

	s.logger.Debug("node appended",
		"page", node.PageID,
		"seq", node.Seq,
		"kind", node.Kind.String(),
		"stored", len(node.Payload))
	return nil
}

func validateNode(node Node) error {
	switch {
	case node.PageID == "":
		return errors.Wrap(ErrInvalidNode, "empty page id")
	case node.Kind != KindSnapshot && node.Kind != KindDelta:
		return errors.Wrapf(ErrInvalidNode, "page %q seq %d: unknown kind %d", node.PageID, node.Seq, node.Kind)
	case node.Seq == 0 && node.Kind != KindSnapshot:
		return errors.Wrapf(ErrInvalidNode, "page %q: first node must be a snapshot", node.PageID)
	case node.ContentHash == "":
		return errors.Wrapf(ErrInvalidNode, "page %q seq %d: missing content hash", node.PageID, node.Seq)
	}
	return nil
}

// GetNode returns node seq of pageID, payload included.
func (s *Store) GetNode(ctx context.Context, pageID string, seq uint64) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}

	info, err := s.NodeInfo(ctx, pageID, seq)
	if err != nil {
		return Node{}, err
	}

	payload, err := s.get(payloadKey(pageID, seq))
	if errors.Is(err, ErrNotFound) {
		return Node{}, errors.Wrapf(ErrCorruptChain, "page %q seq %d: payload missing", pageID, seq)
	}
	if err != nil {
		return Node{}, err
	}

	return Node{
		PageID:      pageID,
		Seq:         info.Seq,
		Kind:        info.Kind,
		Engine:      info.Engine,
		Payload:     payload,
		ContentHash: info.ContentHash,
		CapturedAt:  info.CapturedAt,
		Validators:  info.Validators,
		HTTPStatus:  info.HTTPStatus,
		Size:        info.Size,
	}, nil
}

// NodeInfo returns the metadata of node seq without reading its payload.
func (s *Store) NodeInfo(ctx context.Context, pageID string, seq uint64) (NodeInfo, error) {
	if err := ctx.Err(); err != nil {
		return NodeInfo{}, err
	}

	raw, err := s.get(metaKey(pageID, seq))
	if errors.Is(err, ErrNotFound) {
		return NodeInfo{}, errors.Wrapf(ErrNotFound, "page %q seq %d", pageID, seq)
	}
	if err != nil {
		return NodeInfo{}, err
	}
	return decodeInfo(pageID, raw)
}

func decodeInfo(pageID string, raw []byte) (NodeInfo, error) {
	var info NodeInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return NodeInfo{}, errors.Mark(errors.Wrapf(err, "page %q: decode node metadata", pageID), ErrCorruptChain)
	}
	return info, nil
}

// LatestSequence returns the head of pageID's chain. ok is false when the
// page has no versions.
func (s *Store) LatestSequence(ctx context.Context, pageID string) (seq uint64, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return s.latestSeq(pageID)
}

func (s *Store) latestSeq(pageID string) (uint64, bool, error) {
	iter, err := newPrefixIter(s.db, metaPrefix(pageID))
	if err != nil {
		return 0, false, errors.Wrap(err, "open chain iterator")
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, false, iter.Error()
	}
	seq, err := seqFromKey(iter.Key())
	if err != nil {
		return 0, false, errors.Mark(err, ErrCorruptChain)
	}
	return seq, true, nil
}

// LatestValidators returns the validators recorded the last time pageID was
// appended to or confirmed unchanged. ok is false for pages with no versions.
func (s *Store) LatestValidators(ctx context.Context, pageID string) (v Validators, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return Validators{}, false, err
	}

	if _, has, err := s.latestSeq(pageID); err != nil || !has {
		return Validators{}, false, err
	}

	page, err := s.loadPage(pageID)
	if errors.Is(err, ErrNotFound) {
		return Validators{}, false, nil
	}
	if err != nil {
		return Validators{}, false, err
	}
	return page.Validators, true, nil
}

// TouchValidators records fresh validators for an unchanged page without
// adding a version.
func (s *Store) TouchValidators(ctx context.Context, pageID string, v Validators, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.readOnly {
		return errReadOnly
	}

	unlock := s.writes.Lock(pageID)
	defer unlock()

	page, err := s.loadPage(pageID)
	if err != nil {
		return err
	}
	page.Validators = v
	page.CheckedAt = at
	return s.putPage(page)
}

// EnsurePage registers pageID if it is unknown and returns its record. A
// non-empty subdomain replaces the stored one.
func (s *Store) EnsurePage(ctx context.Context, pageID, subdomain string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if pageID == "" {
		return Page{}, errors.Wrap(ErrInvalidNode, "empty page id")
	}

	page, err := s.loadPage(pageID)
	switch {
	case err == nil && (subdomain == "" || subdomain == page.Subdomain):
		return page, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return Page{}, err
	}
	if s.readOnly {
		return Page{}, errReadOnly
	}

	unlock := s.writes.Lock(pageID)
	defer unlock()

	page, err = s.loadPage(pageID)
	switch {
	case errors.Is(err, ErrNotFound):
		page = Page{ID: pageID, CreatedAt: time.Now().UTC()}
	case err != nil:
		return Page{}, err
	}
	if subdomain != "" {
		page.Subdomain = subdomain
	}
	if err := s.putPage(page); err != nil {
		return Page{}, err
	}
	s.logger.Info("page registered", "page", pageID, "subdomain", page.Subdomain)
	return page, nil
}

// GetPage returns the record of pageID.
func (s *Store) GetPage(ctx context.Context, pageID string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	return s.loadPage(pageID)
}

// ListPages returns every tracked page in key order with its chain size.
func (s *Store) ListPages(ctx context.Context) ([]PageSummary, error) {
	iter, err := newPrefixIter(s.db, PrefixPage)
	if err != nil {
		return nil, errors.Wrap(err, "open page iterator")
	}
	defer iter.Close()

	var pages []PageSummary
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var page Page
		if err := json.Unmarshal(iter.Value(), &page); err != nil {
			id, _ := pageIDFromKey(iter.Key())
			return nil, errors.Mark(errors.Wrapf(err, "decode page record %q", id), ErrCorruptChain)
		}

		summary := PageSummary{Page: page}
		seq, ok, err := s.latestSeq(page.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			summary.Versions = int(seq) + 1
			summary.LatestSeq = seq
			info, err := s.NodeInfo(ctx, page.ID, seq)
			if err != nil {
				return nil, err
			}
			summary.LastChange = info.CapturedAt
		}
		pages = append(pages, summary)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iterate pages")
	}
	return pages, nil
}

// History returns the metadata of every node of pageID, oldest first.
func (s *Store) History(ctx context.Context, pageID string) ([]NodeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.loadPage(pageID); err != nil {
		return nil, err
	}

	iter, err := newPrefixIter(s.db, metaPrefix(pageID))
	if err != nil {
		return nil, errors.Wrap(err, "open chain iterator")
	}
	defer iter.Close()

	var out []NodeInfo
	for iter.First(); iter.Valid(); iter.Next() {
		info, err := decodeInfo(pageID, iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrapf(err, "page %q: iterate chain", pageID)
	}
	return out, nil
}

// VerifyRoot recomputes pageID's chain root from node metadata and compares
// it with the root stored on the page record.
func (s *Store) VerifyRoot(ctx context.Context, pageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	page, err := s.loadPage(pageID)
	if err != nil {
		return err
	}
	hashes, err := s.contentHashes(pageID)
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		if len(page.ChainRoot) != 0 {
			return errors.Wrapf(ErrCorruptChain, "page %q: root recorded for empty chain", pageID)
		}
		return nil
	}
	if err := merkle.VerifyChain(hashes, page.ChainRoot); err != nil {
		return errors.Mark(errors.Wrapf(err, "page %q", pageID), ErrCorruptChain)
	}
	return nil
}

// contentHashes returns the content digest of every node, indexed by seq.
func (s *Store) contentHashes(pageID string) ([]string, error) {
	iter, err := newPrefixIter(s.db, metaPrefix(pageID))
	if err != nil {
		return nil, errors.Wrap(err, "open chain iterator")
	}
	defer iter.Close()

	var hashes []string
	for iter.First(); iter.Valid(); iter.Next() {
		info, err := decodeInfo(pageID, iter.Value())
		if err != nil {
			return nil, err
		}
		if info.Seq != uint64(len(hashes)) {
			return nil, errors.Wrapf(ErrCorruptChain, "page %q: gap before seq %d", pageID, info.Seq)
		}
		hashes = append(hashes, info.ContentHash)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrapf(err, "page %q: iterate chain", pageID)
	}
	return hashes, nil
}

func (s *Store) loadPage(pageID string) (Page, error) {
	raw, err := s.get(pageKey(pageID))
	if errors.Is(err, ErrNotFound) {
		return Page{}, errors.Wrapf(ErrNotFound, "page %q", pageID)
	}
	if err != nil {
		return Page{}, err
	}

	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return Page{}, errors.Mark(errors.Wrapf(err, "page %q: decode record", pageID), ErrCorruptChain)
	}
	return page, nil
}

func (s *Store) putPage(page Page) error {
	raw, err := json.Marshal(page)
	if err != nil {
		return errors.Wrap(err, "marshal page record")
	}
	if err := s.db.Set(pageKey(page.ID), raw, pebble.Sync); err != nil {
		return errors.Wrapf(err, "page %q: write record", page.ID)
	}
	return nil
}

// get returns a copy of the value stored under key.
func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read key %q", key)
	}
	defer closer.Close()

	return append([]byte(nil), val...), nil
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
}
