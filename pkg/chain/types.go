package chain

import (
	"time"
)

// Kind distinguishes full snapshots from deltas.
type Kind uint8

const (
	// KindSnapshot nodes hold the full page content.
	KindSnapshot Kind = 1
	// KindDelta nodes hold an edit script against the previous version.
	KindDelta Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Validators are the HTTP cache validators a server returned for a page.
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// IsZero reports whether neither validator is set.
func (v Validators) IsZero() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Page is a tracked URL.
type Page struct {
	ID         string     `json:"id"`
	Subdomain  string     `json:"subdomain,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Validators Validators `json:"validators"`
	CheckedAt  time.Time  `json:"checked_at,omitempty"`
	ChainRoot  []byte     `json:"chain_root,omitempty"`
}

// PageSummary is a page plus the size of its chain.
type PageSummary struct {
	Page
	Versions   int
	LatestSeq  uint64
	LastChange time.Time
}

// Node is one persisted version of a page.
type Node struct {
	PageID      string
	Seq         uint64
	Kind        Kind
	Engine      byte   // delta engine id; zero for snapshots
	Payload     []byte // compressed snapshot or delta
	ContentHash string // digest of the reconstructed content
	CapturedAt  time.Time
	Validators  Validators
	HTTPStatus  int
	Size        int64 // uncompressed content size
}

// NodeInfo is the metadata of a node without its payload.
type NodeInfo struct {
	Seq         uint64     `json:"seq"`
	Kind        Kind       `json:"kind"`
	Engine      byte       `json:"engine,omitempty"`
	ContentHash string     `json:"hash"`
	CapturedAt  time.Time  `json:"captured_at"`
	Validators  Validators `json:"validators"`
	HTTPStatus  int        `json:"status,omitempty"`
	Size        int64      `json:"size"`
	StoredSize  int64      `json:"stored_size"`
}

// Info returns the node's metadata.
func (n Node) Info() NodeInfo {
	return NodeInfo{
		Seq:         n.Seq,
		Kind:        n.Kind,
		Engine:      n.Engine,
		ContentHash: n.ContentHash,
		CapturedAt:  n.CapturedAt,
		Validators:  n.Validators,
		HTTPStatus:  n.HTTPStatus,
		Size:        n.Size,
		StoredSize:  int64(len(n.Payload)),
	}
}

// Stats summarises the whole store.
type Stats struct {
	Pages        int
	Nodes        int
	Snapshots    int
	Deltas       int
	LogicalBytes int64 // sum of uncompressed version sizes
	StoredBytes  int64 // sum of persisted payload sizes
	DiskBytes    uint64
}

// SavedRatio is the fraction of logical bytes the chain avoided storing.
func (s Stats) SavedRatio() float64 {
	if s.LogicalBytes <= 0 {
		return 0
	}
	return 1 - float64(s.StoredBytes)/float64(s.LogicalBytes)
}
