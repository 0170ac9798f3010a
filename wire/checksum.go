package wire

import (
	"fmt"
	"io"
	"os"
)

// hashBlockSize is the read granularity for whole-file hashing.
const hashBlockSize = 4096

// Checksum computes the protocol's rolling shift-XOR checksum. It detects
// accidental corruption only and has no cryptographic strength.
func Checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum = (sum << 1) ^ uint32(b)
	}
	return sum
}

// FileHash computes the whole-file content hash: the XOR of the rolling
// checksums of each 4 KiB block. Both transfer sides compute it the same
// way, so it identifies content divergence regardless of chunking.
func FileHash(path string) (uint32, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open file for hashing: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	var hash uint32
	buf := make([]byte, hashBlockSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			hash ^= Checksum(buf[:n])
		}
		if err == io.EOF {
			return hash, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read file for hashing: %w", err)
		}
	}
}
