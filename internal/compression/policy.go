package compression

import (
	"fmt"
)

const (
	// DefaultMinSize is the payload size at or below which values are stored raw.
	DefaultMinSize = 1024

	// DefaultMinSavings is the fraction of the original size compression must save.
	DefaultMinSavings = 0.10
)

// Compressor applies a codec only when it pays off
type Compressor struct {
	codec      Codec
	minSize    int
	minSavings float64
}

// NewCompressor builds a compressor for the named codec. A nil codec (name
// "none") stores every value raw.
func NewCompressor(name string, minSize int, minSavings float64) (*Compressor, error) {
	codec, err := Select(name)
	if err != nil {
		return nil, err
	}
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	if minSavings <= 0 || minSavings >= 1 {
		minSavings = DefaultMinSavings
	}
	return &Compressor{codec: codec, minSize: minSize, minSavings: minSavings}, nil
}

// Codec returns the name of the active codec, or "none".
func (c *Compressor) Codec() string {
	if c == nil || c.codec == nil {
		return None
	}
	return c.codec.Name()
}

// Compress returns the stored form of value and the codec name used, or ""
// when the value is stored raw. Compression is kept only if the payload is
// larger than the minimum size and the result is smaller than
// (1 - minSavings) of the original.
func (c *Compressor) Compress(value []byte) ([]byte, string, error) {
	if c == nil || c.codec == nil || len(value) <= c.minSize {
		return value, "", nil
	}
	encoded, err := c.codec.Encode(value)
	if err != nil {
		return nil, "", fmt.Errorf("%s encode: %w", c.codec.Name(), err)
	}
	if float64(len(encoded)) >= float64(len(value))*(1-c.minSavings) {
		return value, "", nil
	}
	return encoded, c.codec.Name(), nil
}

// Decompress reverses Compress using the codec recorded with the value. The
// codec need not be the compressor's active one.
func Decompress(stored []byte, codecName string) ([]byte, error) {
	if codecName == "" || codecName == None {
		return stored, nil
	}
	codec, ok := Lookup(codecName)
	if !ok {
		return nil, fmt.Errorf("unknown compression codec %q", codecName)
	}
	out, err := codec.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", codecName, err)
	}
	return out, nil
}
