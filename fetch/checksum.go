package fetch

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/minio/blake2b-simd"
)

// Checksum returns the hex BLAKE2b-256 digest of everything read from r.
func Checksum(r io.Reader) (string, error) {
	h := blake2b.New256()
	if _, err := io.Copy(h, r); err != nil {
		return "", pfx.Err(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func ChecksumBytes(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pfx.Err(err)
	}
	defer f.Close()

	return Checksum(f)
}

// AggregateChecksum digests a set of unit checksums independent of their
// order: the BLAKE2b-256 of the sorted "id:checksum\n" lines.
func AggregateChecksum(units map[string]string) string {
	ids := make([]string, 0, len(units))
	for id := range units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%s:%s\n", id, strings.ToLower(units[id]))
	}

	return ChecksumBytes([]byte(b.String()))
}
