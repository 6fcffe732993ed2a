package platform

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Checksum algorithms accepted in manifests.
const (
	AlgoBLAKE3 = "blake3"
	AlgoSHA256 = "sha256"
)

// Checksum is a parsed "algo:hex" digest.
type Checksum struct {
	Algo string
	Sum  []byte
}

// ParseChecksum parses "blake3:<hex>" or "sha256:<hex>". A bare hex string
// is taken as BLAKE3.
func ParseChecksum(s string) (Checksum, error) {
	algo, digest, ok := strings.Cut(s, ":")
	if !ok {
		algo, digest = AlgoBLAKE3, s
	}
	algo = strings.ToLower(algo)
	if algo != AlgoBLAKE3 && algo != AlgoSHA256 {
		return Checksum{}, fmt.Errorf("unknown checksum algorithm %q", algo)
	}
	sum, err := hex.DecodeString(digest)
	if err != nil {
		return Checksum{}, fmt.Errorf("checksum digest: %w", err)
	}
	if len(sum) != 32 {
		return Checksum{}, fmt.Errorf("%s digest must be 32 bytes, got %d", algo, len(sum))
	}
	return Checksum{Algo: algo, Sum: sum}, nil
}

// Compute hashes data with algo.
func Compute(algo string, data []byte) Checksum {
	var sum [32]byte
	switch algo {
	case AlgoSHA256:
		sum = sha256.Sum256(data)
	default:
		algo = AlgoBLAKE3
		sum = blake3.Sum256(data)
	}
	return Checksum{Algo: algo, Sum: sum[:]}
}

// Verify reports whether data hashes to c, and returns the actual digest.
func (c Checksum) Verify(data []byte) (Checksum, bool) {
	got := Compute(c.Algo, data)
	return got, bytes.Equal(got.Sum, c.Sum)
}

func (c Checksum) String() string {
	return c.Algo + ":" + hex.EncodeToString(c.Sum)
}
