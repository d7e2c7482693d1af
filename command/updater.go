package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// FileUpdater signals the external update service through a drop file in a
// watched directory, the handshake the updater side polls for.
type FileUpdater struct {
	dir string
}

func NewFileUpdater(dir string) (*FileUpdater, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create updater dir %s: %w", dir, err)
	}
	return &FileUpdater{dir: dir}, nil
}

// SignalUpdate writes the update code for the updater to pick up.
func (u *FileUpdater) SignalUpdate(_ context.Context, code string) error {
	path := filepath.Join(u.dir, "update.signal")
	body := fmt.Sprintf("%s %s\n", code, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write update signal: %w", err)
	}
	log.Info().Str("code", code).Str("path", path).Msg("Update signal written")
	return nil
}
