package simrpc

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	gjson "github.com/goccy/go-json"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec turns RPC frames and bodies into bytes. The
// network itself only moves opaque payloads.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

func inner(c Codec) Codec {
	if c == nil {
		return JSONCodec{}
	}
	return c
}

// shared zstd state. EncodeAll and DecodeAll are
// safe for concurrent use.
var zstdOnce sync.Once
var zstdEnc *zstd.Encoder
var zstdDec *zstd.Decoder

func zstdInit() {
	zstdOnce.Do(func() {
		var err error
		// The nil argument here means only do []byte compressions.
		zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		panicOn(err)
		zstdDec, err = zstd.NewReader(nil)
		panicOn(err)
	})
}

// ZstdCodec compresses what Inner (JSON when nil)
// produces.
type ZstdCodec struct {
	Inner Codec
}

func (c ZstdCodec) Name() string { return "zstd+" + inner(c.Inner).Name() }

func (c ZstdCodec) Marshal(v any) ([]byte, error) {
	by, err := inner(c.Inner).Marshal(v)
	if err != nil {
		return nil, err
	}
	zstdInit()
	return zstdEnc.EncodeAll(by, nil), nil
}

func (c ZstdCodec) Unmarshal(data []byte, v any) error {
	zstdInit()
	by, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	return inner(c.Inner).Unmarshal(by, v)
}

// LZ4Codec is ZstdCodec with lz4 frames.
type LZ4Codec struct {
	Inner Codec
}

func (c LZ4Codec) Name() string { return "lz4+" + inner(c.Inner).Name() }

func (c LZ4Codec) Marshal(v any) ([]byte, error) {
	by, err := inner(c.Inner).Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	comp := lz4.NewWriter(&buf)
	options := []lz4.Option{
		lz4.BlockChecksumOption(true),
		lz4.CompressionLevelOption(lz4.Fast),
	}
	if err := comp.Apply(options...); err != nil {
		panic(fmt.Sprintf("error could not apply lz4 options: '%v'", err))
	}
	if _, err := comp.Write(by); err != nil {
		return nil, err
	}
	if err := comp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c LZ4Codec) Unmarshal(data []byte, v any) error {
	by, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return fmt.Errorf("lz4 decode: %w", err)
	}
	return inner(c.Inner).Unmarshal(by, v)
}

// S2Codec uses s2 block compression.
type S2Codec struct {
	Inner Codec
}

func (c S2Codec) Name() string { return "s2+" + inner(c.Inner).Name() }

func (c S2Codec) Marshal(v any) ([]byte, error) {
	by, err := inner(c.Inner).Marshal(v)
	if err != nil {
		return nil, err
	}
	return s2.Encode(nil, by), nil
}

func (c S2Codec) Unmarshal(data []byte, v any) error {
	by, err := s2.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("s2 decode: %w", err)
	}
	return inner(c.Inner).Unmarshal(by, v)
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
