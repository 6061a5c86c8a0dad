package protocol

import (
	"math"

	"github.com/multiformats/go-varint"
	"github.com/pierrec/lz4"
	"github.com/pingcap/errors"
)

// ErrDecompress is a compressed payload that can't be restored.
var ErrDecompress = errors.New("error during decompress")

// lz4Compress prefixes the block with the uvarint decompressed size. It returns nil when the input is not worth
// compressing.
func lz4Compress(input []byte) []byte {
	rawLen := len(input)
	if rawLen > math.MaxUint32 {
		return nil
	}

	decompressedSize := varint.ToUvarint(uint64(rawLen))
	dst := make([]byte, len(decompressedSize)+lz4.CompressBlockBound(rawLen))
	copy(dst, decompressedSize)
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(input, dst[len(decompressedSize):], ht[:])
	if err != nil || n == 0 {
		return nil
	}
	compressed := dst[:len(decompressedSize)+n]
	if !isGoodCompressionRatio(compressed, input) {
		return nil
	}
	return compressed
}

func isGoodCompressionRatio(compressed, input []byte) bool {
	cl, rl := len(compressed), len(input)
	return cl < rl-(rl/8)
}

func lz4Decompress(input []byte, maxSize int) ([]byte, error) {
	size, n, err := varint.FromUvarint(input)
	if err != nil {
		return nil, errors.Annotate(ErrDecompress, err.Error())
	}
	if maxSize > 0 && size > uint64(maxSize) {
		return nil, errors.Annotatef(ErrFrameTooLarge, "decompressed payload of %d bytes", size)
	}
	dst := make([]byte, size)
	written, err := lz4.UncompressBlock(input[n:], dst)
	if err != nil {
		return nil, errors.Annotate(ErrDecompress, err.Error())
	}
	if uint64(written) != size {
		return nil, errors.Annotatef(ErrDecompress, "expect %d bytes, got %d", size, written)
	}
	return dst, nil
}
