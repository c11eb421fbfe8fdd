package chain

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Compact asks Pebble to compact the key span of pageID's chain. Appends to
// the page wait until it finishes; readers are never blocked.
func (s *Store) Compact(ctx context.Context, pageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.readOnly {
		return errReadOnly
	}
	if _, err := s.loadPage(pageID); err != nil {
		return err
	}

	unlock := s.writes.Lock(pageID)
	defer unlock()

	start := time.Now()
	prefix := chainPrefix(pageID)
	if err := s.db.Compact([]byte(prefix), upperBound(prefix), true); err != nil {
		return errors.Wrapf(err, "page %q: compact", pageID)
	}
	s.logger.Info("chain compacted", "page", pageID, "took", time.Since(start))
	return nil
}

// CompactAll compacts the key span of every chain.
func (s *Store) CompactAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.readOnly {
		return errReadOnly
	}
	if err := s.db.Compact([]byte(PrefixChain), upperBound(PrefixChain), true); err != nil {
		return errors.Wrap(err, "compact chains")
	}
	return nil
}

// Stats walks all node metadata and reports store-wide totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	pages, err := newPrefixIter(s.db, PrefixPage)
	if err != nil {
		return st, errors.Wrap(err, "open page iterator")
	}
	for pages.First(); pages.Valid(); pages.Next() {
		st.Pages++
	}
	err = pages.Error()
	pages.Close()
	if err != nil {
		return st, errors.Wrap(err, "iterate pages")
	}

	iter, err := newPrefixIter(s.db, PrefixChain)
	if err != nil {
		return st, errors.Wrap(err, "open chain iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		// c/<page>/m/<seq>
		parts := strings.Split(string(iter.Key()), "/")
		if len(parts) != 4 || parts[2] != "m" {
			continue
		}

		var info NodeInfo
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			return st, errors.Mark(errors.Wrapf(err, "decode %s", iter.Key()), ErrCorruptChain)
		}
		st.Nodes++
		switch info.Kind {
		case KindSnapshot:
			st.Snapshots++
		case KindDelta:
			st.Deltas++
		}
		st.LogicalBytes += info.Size
		st.StoredBytes += info.StoredSize
	}
	if err := iter.Error(); err != nil {
		return st, errors.Wrap(err, "iterate chains")
	}

	st.DiskBytes = s.db.Metrics().DiskSpaceUsage()
	return st, nil
}
