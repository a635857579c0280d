package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// newDigest returns the streaming hash matching the manifest's published
// algorithm. An unrecognized or empty algo yields nil: no digest check is
// performed for that file.
func newDigest(algo string) hash.Hash {
	switch strings.ToLower(algo) {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	default:
		return nil
	}
}

// rehashExisting seeds a digest with the content already on disk, for
// resuming a partial without losing track of bytes already hashed —
// recomputed by re-hashing the existing partial once on resume.
func rehashExisting(path string, h hash.Hash) error {
	if h == nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fetch: rehash %s: %w", path, err)
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("fetch: rehash %s: %w", path, err)
	}
	return nil
}

func hexDigest(h hash.Hash) string {
	if h == nil {
		return ""
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
