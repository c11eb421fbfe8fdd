// Package sanitize removes advertising and tracking markup from fetched
// pages before they are archived.
package sanitize

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultAdDomains are hosts whose scripts and frames are dropped. Entries
// ending in "." match a leading host label ("ads." matches ads.example.com).
var DefaultAdDomains = []string{
	"doubleclick.net", "googlesyndication.com", "googleadservices.com",
	"adservice.google.com", "advertising.com", "facebook.net",
	"ads.", "ad.", "analytics.", "tracker.", "pixel.",
}

// DefaultAdMarkers are class and id words that mark an ad container.
var DefaultAdMarkers = []string{
	"ad", "ads", "advertisement", "banner", "sponsored",
	"promo", "advert", "google-ad",
}

// adTags are dropped wherever they appear.
var adTags = map[string]bool{"ins": true, "ad": true, "advertisement": true}

// Options configures a Sanitizer.
type Options struct {
	StripAds  bool
	Strict    bool // additionally run the UGC allow-list policy
	AdDomains []string
	AdMarkers []string
}

// Sanitizer rewrites HTML. It is safe for concurrent use.
type Sanitizer struct {
	opts    Options
	markers map[string]bool
	policy  *bluemonday.Policy
}

// New returns a Sanitizer. Empty domain and marker lists use the defaults.
func New(opts Options) *Sanitizer {
	if len(opts.AdDomains) == 0 {
		opts.AdDomains = DefaultAdDomains
	}
	if len(opts.AdMarkers) == 0 {
		opts.AdMarkers = DefaultAdMarkers
	}
	s := &Sanitizer{opts: opts, markers: make(map[string]bool, len(opts.AdMarkers))}
	for _, m := range opts.AdMarkers {
		s.markers[strings.ToLower(m)] = true
	}
	if opts.Strict {
		s.policy = bluemonday.UGCPolicy()
	}
	return s
}

// Transform returns body with ads removed. With neither option set the body
// is returned unchanged, byte for byte.
func (s *Sanitizer) Transform(ctx context.Context, pageURL string, body []byte) ([]byte, error) {
	if !s.opts.StripAds && !s.opts.Strict {
		return body, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := body
	if s.opts.StripAds {
		stripped, err := s.StripAds(body)
		if err != nil {
			return nil, errors.Wrapf(err, "strip ads from %s", pageURL)
		}
		out = stripped
	}
	if s.policy != nil {
		out = s.policy.SanitizeBytes(out)
	}
	return out, nil
}

// StripAds parses body, removes ad elements and renders the document.
func (s *Sanitizer) StripAds(body []byte) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}

	s.prune(doc)

	var buf bytes.Buffer
	buf.Grow(len(body))
	if err := html.Render(&buf, doc); err != nil {
		return nil, errors.Wrap(err, "render html")
	}
	return buf.Bytes(), nil
}

func (s *Sanitizer) prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && s.isAd(c) {
			n.RemoveChild(c)
		} else {
			s.prune(c)
		}
		c = next
	}
}

func (s *Sanitizer) isAd(n *html.Node) bool {
	if adTags[strings.ToLower(n.Data)] {
		return true
	}
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "src":
			if (n.DataAtom == atom.Script || n.DataAtom == atom.Iframe) && s.adSource(a.Val) {
				return true
			}
		case "class", "id":
			if s.adName(a.Val) {
				return true
			}
		}
	}
	return false
}

// adSource reports whether src points at an ad or tracking host.
func (s *Sanitizer) adSource(src string) bool {
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range s.opts.AdDomains {
		if strings.HasSuffix(d, ".") {
			if strings.HasPrefix(host, d) || strings.Contains(host, "."+d) {
				return true
			}
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// adName matches whole class or id words, and their hyphen or underscore
// separated parts, so "ad-slot" is an ad and "header" is not.
func (s *Sanitizer) adName(val string) bool {
	for _, word := range strings.Fields(strings.ToLower(val)) {
		if s.markers[word] {
			return true
		}
		for _, part := range strings.FieldsFunc(word, func(r rune) bool { return r == '-' || r == '_' }) {
			if s.markers[part] {
				return true
			}
		}
	}
	return false
}
