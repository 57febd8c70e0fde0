package rowstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the SST block codec.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression parses none, lz4 or zstd.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("rowstore: unknown compression %q", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

const blockHeaderSize = 8

// appendBlock appends [u32 raw][u32 stored][data] to dst. stored is 0 when
// compression did not pay off and the raw bytes follow.
func appendBlock(dst, raw []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(raw)))
	if len(packed) == 0 || float64(len(packed)) > float64(len(raw))*0.9 {
		dst = binary.LittleEndian.AppendUint32(dst, 0)
		return append(dst, raw...), nil
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(packed)))
	return append(dst, packed...), nil
}

// readBlock decodes one block from data and returns it with the number of
// bytes consumed.
func readBlock(data []byte, c Compression) ([]byte, int, error) {
	if len(data) < blockHeaderSize {
		return nil, 0, errors.New("rowstore: block header truncated")
	}
	rawSize := int(binary.LittleEndian.Uint32(data))
	stored := int(binary.LittleEndian.Uint32(data[4:]))

	if stored == 0 {
		if len(data) < blockHeaderSize+rawSize {
			return nil, 0, errors.New("rowstore: block truncated")
		}
		return data[blockHeaderSize : blockHeaderSize+rawSize], blockHeaderSize + rawSize, nil
	}
	if len(data) < blockHeaderSize+stored {
		return nil, 0, errors.New("rowstore: compressed block truncated")
	}
	packed := data[blockHeaderSize : blockHeaderSize+stored]
	out := make([]byte, rawSize)

	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(packed, out)
		if err != nil {
			return nil, 0, err
		}
		if n != rawSize {
			return nil, 0, errors.New("rowstore: decompressed size mismatch")
		}
	case CompressionZSTD:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(packed, out[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, 0, err
		}
		if len(decoded) != rawSize {
			return nil, 0, errors.New("rowstore: decompressed size mismatch")
		}
		out = decoded
	default:
		return nil, 0, fmt.Errorf("rowstore: compressed block with codec %s", c)
	}
	return out, blockHeaderSize + stored, nil
}
