// Package compress frames persisted payloads with a reversible size
// reduction. Each payload carries a 4-byte magic naming its codec, so
// payloads written under an older configuration stay readable.
package compress

import (
	"bytes"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ErrCorruptPayload reports a stored payload that cannot be decoded. It
// implies on-disk corruption and is never retried.
var ErrCorruptPayload = errors.New("corrupt payload")

const (
	magicZstd   = "PKZ1"
	magicXZ     = "PKX1"
	magicStored = "PKN1"
	magicLen    = 4
)

// Codec compresses and decompresses single payloads.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// New returns the write codec for a configuration name.
func New(name string) (Codec, error) {
	switch name {
	case "zstd", "":
		return zstdCodec{}, nil
	case "xz":
		return xzCodec{}, nil
	case "none":
		return storedCodec{}, nil
	default:
		return nil, errors.Newf("unsupported compression: %s (must be 'zstd', 'xz' or 'none')", name)
	}
}

// Decompress decodes a payload written by any codec.
func Decompress(data []byte) ([]byte, error) {
	if len(data) < magicLen {
		return nil, errors.Wrapf(ErrCorruptPayload, "payload of %d bytes has no codec header", len(data))
	}

	switch string(data[:magicLen]) {
	case magicZstd:
		return zstdCodec{}.Decompress(data)
	case magicXZ:
		return xzCodec{}.Decompress(data)
	case magicStored:
		return storedCodec{}.Decompress(data)
	default:
		return nil, errors.Wrapf(ErrCorruptPayload, "unknown codec header %q", data[:magicLen])
	}
}

// CodecName reports which codec framed a payload, or "" if unknown.
func CodecName(data []byte) string {
	if len(data) < magicLen {
		return ""
	}
	switch string(data[:magicLen]) {
	case magicZstd:
		return "zstd"
	case magicXZ:
		return "xz"
	case magicStored:
		return "none"
	}
	return ""
}

func frameBody(data []byte, magic string) ([]byte, error) {
	if len(data) < magicLen || string(data[:magicLen]) != magic {
		return nil, errors.Wrapf(ErrCorruptPayload, "expected %s header", magic)
	}
	return data[magicLen:], nil
}

var (
	zstdEncoderOnce sync.Once
	zstdDecoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdEncoderErr  error
	zstdDecoderErr  error
)

func getZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, zstdEncoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder, zstdEncoderErr
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, errors.Wrap(err, "init zstd encoder")
	}
	if len(data) == 0 {
		return []byte(magicZstd), nil
	}
	return enc.EncodeAll(data, []byte(magicZstd)), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	body, err := frameBody(data, magicZstd)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return []byte{}, nil
	}

	dec, err := getZstdDecoder()
	if err != nil {
		return nil, errors.Wrap(err, "init zstd decoder")
	}
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptPayload, "zstd: %v", err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

type xzCodec struct{}

func (xzCodec) Name() string { return "xz" }

func (xzCodec) Compress(data []byte) ([]byte, error) {
	buf := bytes.NewBufferString(magicXZ)
	if len(data) == 0 {
		return buf.Bytes(), nil
	}

	w, err := xz.NewWriter(buf)
	if err != nil {
		return nil, errors.Wrap(err, "init xz writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "xz write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "xz close")
	}
	return buf.Bytes(), nil
}

func (xzCodec) Decompress(data []byte) ([]byte, error) {
	body, err := frameBody(data, magicXZ)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return []byte{}, nil
	}

	r, err := xz.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptPayload, "xz header: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptPayload, "xz: %v", err)
	}
	return out, nil
}

type storedCodec struct{}

func (storedCodec) Name() string { return "none" }

func (storedCodec) Compress(data []byte) ([]byte, error) {
	out := make([]byte, 0, magicLen+len(data))
	out = append(out, magicStored...)
	return append(out, data...), nil
}

func (storedCodec) Decompress(data []byte) ([]byte, error) {
	body, err := frameBody(data, magicStored)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, body...), nil
}
