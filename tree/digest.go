package tree

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Digest returns the hex digest of the filtered serialization of n.
// Noise attributes do not contribute, so two replicas that agree on
// content agree on the digest regardless of who wrote last.
func Digest(n Node) string {
	return sum(Serialize(n, Filtered()))
}

// RawDigest is Digest over the unfiltered serialization.
func RawDigest(n Node) string {
	return sum(Serialize(n))
}

// BytesDigest returns the digest of an arbitrary buffer, such as an
// on-disk file.
func BytesDigest(b []byte) string {
	return sum(b)
}

func sum(b []byte) string {
	s := strconv.FormatUint(xxhash.Sum64(b), 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
