package prospector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// Digests holds the two content hashes computed in one pass
type Digests struct {
	SHA256 string
	XXH128 string
}

// HashReader streams r once in chunkSize reads, feeding both hashes.
// The context is checked between chunks.
func HashReader(ctx context.Context, r io.Reader, chunkSize int) (Digests, error) {
	sha := sha256.New()
	xxh := xxh3.New()
	w := io.MultiWriter(sha, xxh)

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return Digests{}, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Digests{}, err
		}
	}

	sum128 := xxh.Sum128().Bytes()
	return Digests{
		SHA256: hex.EncodeToString(sha.Sum(nil)),
		XXH128: hex.EncodeToString(sum128[:]),
	}, nil
}

func hashFile(ctx context.Context, path string, chunkSize int) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, err
	}
	defer f.Close()

	return HashReader(ctx, f, chunkSize)
}
