package transform

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Flate is a Transformer implementing RFC1951 DEFLATE compression.
type Flate struct {
	Level int
}

// In implements Transformer.In.
func (f Flate) In(_ context.Context, inp []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	level := f.Level
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	w, err := flate.NewWriter(buf, level)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(inp); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Out implements Transformer.Out.
func (f Flate) Out(_ context.Context, inp []byte) ([]byte, error) {
	rr := flate.NewReader(bytes.NewReader(inp))
	defer rr.Close()
	return io.ReadAll(rr)
}

// Zstd is a Transformer implementing Zstandard compression.
// Level is 1 (fastest) to 4 (best); 0 means the default.
type Zstd struct {
	Level int
}

// In implements Transformer.In.
func (z Zstd) In(_ context.Context, inp []byte) ([]byte, error) {
	var opts []zstd.EOption
	if z.Level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevel(z.Level)))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd encoder")
	}
	defer enc.Close()
	return enc.EncodeAll(inp, nil), nil
}

// Out implements Transformer.Out.
func (z Zstd) Out(_ context.Context, inp []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd decoder")
	}
	defer dec.Close()
	return dec.DecodeAll(inp, nil)
}
