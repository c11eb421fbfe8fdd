package chain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Key layout:
//
//	p/<page>               page record
//	c/<page>/m/<seq>       node metadata
//	c/<page>/n/<seq>       node payload
//
// Page ids are path-escaped so they never contain the separator, and
// sequence numbers are zero-padded so byte order is numeric order.
const (
	PrefixPage  = "p/"
	PrefixChain = "c/"
)

func escapePage(pageID string) string {
	return url.PathEscape(pageID)
}

func pageKey(pageID string) []byte {
	return []byte(PrefixPage + escapePage(pageID))
}

func chainPrefix(pageID string) string {
	return PrefixChain + escapePage(pageID) + "/"
}

func metaPrefix(pageID string) string {
	return chainPrefix(pageID) + "m/"
}

func payloadPrefix(pageID string) string {
	return chainPrefix(pageID) + "n/"
}

func metaKey(pageID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", metaPrefix(pageID), seq))
}

func payloadKey(pageID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", payloadPrefix(pageID), seq))
}

func pageIDFromKey(key []byte) (string, error) {
	escaped := strings.TrimPrefix(string(key), PrefixPage)
	id, err := url.PathUnescape(escaped)
	if err != nil {
		return "", errors.Wrapf(err, "decode page key %q", key)
	}
	return id, nil
}

func seqFromKey(key []byte) (uint64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return 0, errors.Newf("malformed node key %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed node key %q", s)
	}
	return seq, nil
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	return append([]byte(prefix), 0xff)
}
