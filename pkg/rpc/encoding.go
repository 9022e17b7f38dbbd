package rpc

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
)

// maxDecodedSize bounds decompressed uploads.
const maxDecodedSize = 64 << 20

// EncodeData encodes binary data according to the specified encoding.
func EncodeData(data []byte, encoding Encoding) (string, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Encode(data), nil

	case EncodingBase64Zstd:
		compressed, err := compressZstd(data)
		if err != nil {
			return "", fmt.Errorf("zstd compression failed: %w", err)
		}
		return base64.StdEncoding.EncodeToString(compressed), nil

	case EncodingBase64, "":
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return "", fmt.Errorf("unsupported encoding %q", encoding)
}

// DecodeData decodes binary data from the specified encoding.
func DecodeData(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)

	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		return decompressZstd(compressed)

	case EncodingBase64, "":
		return base64.StdEncoding.DecodeString(encoded)
	}
	return nil, fmt.Errorf("unsupported encoding %q", encoding)
}

// compressZstd compresses data using zstd.
func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// decompressZstd decompresses zstd-compressed data.
func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
