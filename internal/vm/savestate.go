package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// SaveState pauses m and writes its state to path. The state is written to
// a sibling file first and renamed into place, so path never holds a
// partial save.
func SaveState(ctx context.Context, m hypervisor.Machine, path string) error {
	if err := m.Pause(ctx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	tmp := partialSavePath(path)
	os.Remove(tmp)
	if err := m.Save(ctx, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save state: %w", err)
	}
	log.G(ctx).WithField("path", path).Info("saved machine state")
	return nil
}

// RestoreState resumes m from the save file at path. The save file is
// deleted afterwards whether or not the restore worked.
// restored is false if there was nothing to restore.
func RestoreState(ctx context.Context, m hypervisor.Machine, path string) (restored bool, err error) {
	ok, err := fileExists(path)
	if err != nil || !ok {
		return false, err
	}

	restoreErr := m.Restore(ctx, path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.G(ctx).WithError(err).Warn("failed to remove save file")
	}
	if restoreErr != nil {
		return false, fmt.Errorf("restore state: %w", restoreErr)
	}
	log.G(ctx).WithField("path", path).Info("restored machine state")
	return true, nil
}

func partialSavePath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".partial" + ext
}
