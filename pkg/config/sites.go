package config

import (
	"bytes"
	"encoding/json"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Site is one page to archive.
type Site struct {
	URL       string `json:"url" yaml:"url"`
	Subdomain string `json:"subdomain,omitempty" yaml:"subdomain,omitempty"`
}

// PageID is the chain key for the site: its normalised URL.
func (s Site) PageID() string {
	return s.URL
}

// LoadSites reads the list of pages to archive. JSON files may hold plain
// URL strings or objects; YAML files hold a list of objects or strings.
func LoadSites(path string) ([]Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read sites file %s", path)
	}
	return ParseSites(data, filepath.Ext(path))
}

// ParseSites decodes a sites list. ext selects the format; anything but
// ".json" is treated as YAML.
func ParseSites(data []byte, ext string) ([]Site, error) {
	var raw []any
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.Wrap(err, "parse sites json")
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, "parse sites yaml")
		}
	}

	seen := make(map[string]bool, len(raw))
	sites := make([]Site, 0, len(raw))
	for i, entry := range raw {
		var site Site
		switch v := entry.(type) {
		case string:
			site.URL = v
		case map[string]any:
			site.URL, _ = v["url"].(string)
			site.Subdomain, _ = v["subdomain"].(string)
		default:
			return nil, errors.Newf("sites entry %d: expected a URL or an object, got %T", i, entry)
		}

		normalized, err := NormalizeURL(site.URL)
		if err != nil {
			return nil, errors.Wrapf(err, "sites entry %d", i)
		}
		site.URL = normalized
		if site.Subdomain == "" {
			site.Subdomain = subdomainOf(normalized)
		}
		if seen[site.URL] {
			continue
		}
		seen[site.URL] = true
		sites = append(sites, site)
	}
	return sites, nil
}

// NormalizeURL validates an absolute http(s) URL and returns it with a
// lower-case scheme and host, no fragment, and "/" for an empty path.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.Wrapf(err, "invalid url %q", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Newf("unsupported url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", errors.Newf("unsupported url %q: missing host", raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// subdomainOf returns the leftmost host label when the host has more than
// two labels ("blog" for blog.example.com).
func subdomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 || labels[0] == "www" {
		return ""
	}
	return labels[0]
}
