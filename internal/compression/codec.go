// Package compression provides the value codecs used by the persistent tier
// and the size policy that decides whether a value is worth compressing.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec names
const (
	None   = "none"
	Auto   = "auto"
	S2     = "s2"
	Zstd   = "zstd"
	Snappy = "snappy"
	Brotli = "brotli"
	Gzip   = "gzip"
)

// Codec encodes and decodes whole values
type Codec interface {
	Name() string
	Encode(in []byte) ([]byte, error)
	Decode(in []byte) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}

	// autoPreference lists codecs tried by Select(Auto), fastest first.
	autoPreference = []string{S2, Zstd}
)

func init() {
	Register(s2Codec{})
	Register(newZstdCodec())
	Register(snappyCodec{})
	Register(brotliCodec{})
	Register(gzipCodec{})
}

// Register adds or replaces a codec by name.
func Register(c Codec) {
	registryMu.Lock()
	registry[c.Name()] = c
	registryMu.Unlock()
}

// Lookup returns the registered codec with the given name.
func Lookup(name string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	return c, ok
}

// Names returns the registered codec names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select resolves a configured codec name. "auto" picks the first available
// codec from the preference list; "none" and "" return a nil codec.
func Select(name string) (Codec, error) {
	switch name {
	case "", None:
		return nil, nil
	case Auto:
		for _, n := range autoPreference {
			if c, ok := Lookup(n); ok {
				return c, nil
			}
		}
		return nil, nil
	}
	c, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
	return c, nil
}

type s2Codec struct{}

func (s2Codec) Name() string { return S2 }

func (s2Codec) Encode(in []byte) ([]byte, error) {
	return s2.Encode(nil, in), nil
}

func (s2Codec) Decode(in []byte) ([]byte, error) {
	return s2.Decode(nil, in)
}

// zstdCodec shares one encoder and decoder; EncodeAll and DecodeAll are safe
// for concurrent use.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() *zstdCodec {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)
	return &zstdCodec{enc: enc, dec: dec}
}

func (*zstdCodec) Name() string { return Zstd }

func (z *zstdCodec) Encode(in []byte) ([]byte, error) {
	return z.enc.EncodeAll(in, nil), nil
}

func (z *zstdCodec) Decode(in []byte) ([]byte, error) {
	return z.dec.DecodeAll(in, nil)
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return Snappy }

func (snappyCodec) Encode(in []byte) ([]byte, error) {
	return snappy.Encode(nil, in), nil
}

func (snappyCodec) Decode(in []byte) ([]byte, error) {
	return snappy.Decode(nil, in)
}

type brotliCodec struct{}

func (brotliCodec) Name() string { return Brotli }

func (brotliCodec) Encode(in []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(in)))
	bw := brotli.NewWriterLevel(buf, brotli.DefaultCompression)
	if _, err := bw.Write(in); err != nil {
		bw.Close()
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliCodec) Decode(in []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(in)))
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return Gzip }

func (gzipCodec) Encode(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(in); err != nil {
		gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(in []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
