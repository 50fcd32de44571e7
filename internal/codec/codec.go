// Package codec serializes execution and stage records and compresses large
// bodies into a side table.
package codec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"execstore/internal/errors"
)

// Algorithm names the compression applied to a side-table body. The value
// is stored in the compression_type column.
type Algorithm string

const (
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

// DefaultThreshold is the body size above which compression kicks in.
const DefaultThreshold = 2048

// ParseAlgorithm defaults to gzip for an empty name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", Gzip:
		return Gzip, nil
	case Zstd:
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	}
	return "", errors.Newf(errors.ErrInvalidArgument, "unknown compression algorithm %q", s)
}

// Encoded is the stored form of one record.
//
// When Compressed is non-nil Body is empty, never nil, since the primary body
// column is NOT NULL.
type Encoded struct {
	Body       []byte
	Compressed []byte
	Algorithm  Algorithm
	Size       int64
}

// Codec is safe for concurrent use.
type Codec struct {
	Enabled   bool
	Threshold int
	Algorithm Algorithm
}

// New returns a codec. A threshold <= 0 means DefaultThreshold.
func New(enabled bool, threshold int, alg Algorithm) Codec {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if alg == "" {
		alg = Gzip
	}
	return Codec{Enabled: enabled, Threshold: threshold, Algorithm: alg}
}

// Encode marshals v to JSON and compresses it when it exceeds the threshold.
func (c Codec) Encode(v any) (Encoded, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Encoded{}, errors.Wrap(err, "marshal body")
	}
	return c.EncodeBytes(body)
}

// EncodeBytes is Encode for an already-serialized body.
func (c Codec) EncodeBytes(body []byte) (Encoded, error) {
	enc := Encoded{Body: body, Size: int64(len(body))}
	if !c.Enabled || len(body) <= c.Threshold {
		return enc, nil
	}
	compressed, err := Compress(c.Algorithm, body)
	if err != nil {
		return Encoded{}, err
	}
	enc.Body = []byte{}
	enc.Compressed = compressed
	enc.Algorithm = c.Algorithm
	return enc, nil
}

// Decode returns the plain body. The compressed row is only consulted when
// compression is enabled, the primary body is empty and joined reports that
// a compressed row was actually found; an empty body on its own is returned
// unchanged.
func (c Codec) Decode(body []byte, joined bool, compressed []byte, alg Algorithm) ([]byte, error) {
	if !c.Enabled || len(body) > 0 || !joined {
		return body, nil
	}
	return Decompress(alg, compressed)
}

// DecodeInto decodes and unmarshals into v, returning the plain body size.
func (c Codec) DecodeInto(body []byte, joined bool, compressed []byte, alg Algorithm, v any) (int64, error) {
	raw, err := c.Decode(body, joined, compressed, alg)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, errors.New(errors.ErrInvalidArgument, "empty body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return 0, errors.Wrap(err, "unmarshal body")
	}
	return int64(len(raw)), nil
}

func Compress(alg Algorithm, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch alg {
	case Gzip, "":
		w = gzip.NewWriter(&buf)
	case Zstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, errors.Wrap(err, "zstd writer")
		}
		w = zw
	case LZ4:
		w = lz4.NewWriter(&buf)
	default:
		return nil, errors.Newf(errors.ErrInvalidArgument, "unknown compression algorithm %q", alg)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "%s compress", alg)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, "%s compress", alg)
	}
	return buf.Bytes(), nil
}

func Decompress(alg Algorithm, data []byte) ([]byte, error) {
	var r io.Reader
	switch alg {
	case Gzip, "":
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "gzip reader")
		}
		defer gr.Close()
		r = gr
	case Zstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "zstd reader")
		}
		defer zr.Close()
		r = zr
	case LZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	default:
		return nil, errors.Newf(errors.ErrInvalidArgument, "unknown compression algorithm %q", alg)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "%s decompress", alg)
	}
	return out, nil
}
