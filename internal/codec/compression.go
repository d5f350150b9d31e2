// Package codec provides the pluggable compress/encrypt transforms
// applied to a payload before it reaches the wire codec (spec.md §4.8
// treats both as external contracts the transport calls through, not
// algorithms it owns). Default adapters are supplied; callers may swap
// either for their own implementation of the same interface. The
// reference binary does not construct or call either adapter.
package codec

import (
	"github.com/klauspost/compress/zstd"
)

// Compressor transforms a payload before it is framed and the reverse
// on receipt. Implementations must be safe for concurrent use.
type Compressor interface {
	Compress(payload []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// ZstdCompressor is the default Compressor, backed by
// klauspost/compress/zstd. Neither conn nor the dispatcher calls a
// Compressor: a profile's Compression flag is recorded in the QoS
// catalog but payloads are sent uncompressed.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor returns a ready-to-use compressor. The returned
// value owns background goroutines; call Close when done with it.
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &ZstdCompressor{encoder: enc, decoder: dec}, nil
}

// Compress returns payload compressed as a standalone zstd frame.
func (z *ZstdCompressor) Compress(payload []byte) ([]byte, error) {
	return z.encoder.EncodeAll(payload, make([]byte, 0, len(payload))), nil
}

// Decompress reverses Compress.
func (z *ZstdCompressor) Decompress(payload []byte) ([]byte, error) {
	return z.decoder.DecodeAll(payload, nil)
}

// Close releases the encoder/decoder's background resources.
func (z *ZstdCompressor) Close() error {
	z.encoder.Close()
	z.decoder.Close()
	return nil
}

// NopCompressor is a pass-through Compressor, useful for profiles with
// Compression disabled or for tests that don't want zstd's framing
// overhead on tiny payloads.
type NopCompressor struct{}

func (NopCompressor) Compress(payload []byte) ([]byte, error) { return payload, nil }

func (NopCompressor) Decompress(payload []byte) ([]byte, error) { return payload, nil }
