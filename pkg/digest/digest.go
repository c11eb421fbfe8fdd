// Package digest computes content identifiers for archived page versions.
package digest

import (
	"github.com/cockroachdb/errors"
	"github.com/multiformats/go-multihash"
)

// Default is the hash algorithm used when none is configured.
const Default = "sha256"

// Sum returns the base58 multihash of data. The multihash prefix records the
// algorithm, so digests made with different algorithms never compare equal.
func Sum(algo string, data []byte) (string, error) {
	var hashType uint64

	switch algo {
	case "sha256", "":
		hashType = multihash.SHA2_256
	case "blake3":
		hashType = multihash.BLAKE3
	default:
		return "", errors.Newf("unsupported hash algorithm: %s", algo)
	}

	mh, err := multihash.Sum(data, hashType, -1)
	if err != nil {
		return "", errors.Wrap(err, "failed to compute multihash")
	}

	return mh.B58String(), nil
}

// Algorithm reports the algorithm name encoded in a digest.
func Algorithm(d string) (string, error) {
	mh, err := multihash.FromB58String(d)
	if err != nil {
		return "", errors.Wrapf(err, "decode digest %q", d)
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return "", errors.Wrapf(err, "decode digest %q", d)
	}

	switch decoded.Code {
	case multihash.SHA2_256:
		return "sha256", nil
	case multihash.BLAKE3:
		return "blake3", nil
	default:
		return decoded.Name, nil
	}
}

// Verify recomputes the digest of data with the algorithm recorded in want.
func Verify(want string, data []byte) (bool, error) {
	algo, err := Algorithm(want)
	if err != nil {
		return false, err
	}
	got, err := Sum(algo, data)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// Short trims a digest for display.
func Short(d string) string {
	if len(d) <= 16 {
		return d
	}
	return d[:16] + "..."
}
