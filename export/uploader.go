package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// LocalUploader publishes dumps by moving them into a shared directory,
// typically a mounted volume the peer's fetcher watches.
type LocalUploader struct {
	dir string
}

func NewLocalUploader(dir string) (*LocalUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir %s: %w", dir, err)
	}
	return &LocalUploader{dir: dir}, nil
}

// Upload copies the dump into the export directory and returns its final
// path. Copy-then-rename keeps partially written files invisible.
func (u *LocalUploader) Upload(_ context.Context, localPath string) (string, error) {
	name := filepath.Base(localPath)
	tmp := filepath.Join(u.dir, "."+name+".part")
	final := filepath.Join(u.dir, name)

	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", err
	}

	log.Debug().Str("file", final).Msg("Dump uploaded")
	return final, nil
}
