// Package hashutil provides the SHA-256 and chunk arithmetic shared by the
// file transfer coordinator and the student resume state.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Sha256Hex returns the uppercase hex SHA-256 of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Sha256HexReader returns the uppercase hex SHA-256 of everything read from r.
func Sha256HexReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash stream: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// ChunkCount returns ceil(size/chunkSize). A zero-byte file has zero chunks.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n)
}

// MissingChunks returns the ascending list [0,total) \ existing.
// Existing values outside the range are ignored.
func MissingChunks(total int, existing []int) []int {
	if total <= 0 {
		return []int{}
	}
	have := make([]bool, total)
	for _, i := range existing {
		if i >= 0 && i < total {
			have[i] = true
		}
	}
	missing := make([]int, 0, total)
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
