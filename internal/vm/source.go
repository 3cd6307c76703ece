package vm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// Source resolves the restore image an installation uses.
type Source interface {
	// Resolve returns a loaded restore image. progress receives download
	// progress for sources that fetch over the network and may be nil.
	Resolve(ctx context.Context, d hypervisor.Driver, progress func(float64)) (hypervisor.RestoreImage, error)

	String() string
}

// LocalSource is a restore image file supplied by the user.
type LocalSource struct {
	Path string
}

func (s LocalSource) String() string { return s.Path }

func (s LocalSource) Resolve(ctx context.Context, d hypervisor.Driver, _ func(float64)) (hypervisor.RestoreImage, error) {
	return loadRestoreImage(ctx, d, s.Path)
}

// CachedSource is the restore image kept in the bundle from an earlier
// download. If it cannot be loaded it is deleted and Fallback, when set,
// resolves the image instead.
type CachedSource struct {
	Bundle   *Bundle
	Fallback Source
}

func (s CachedSource) String() string { return s.Bundle.RestoreImagePath() }

func (s CachedSource) Resolve(ctx context.Context, d hypervisor.Driver, progress func(float64)) (hypervisor.RestoreImage, error) {
	path := s.Bundle.RestoreImagePath()
	img, err := loadRestoreImage(ctx, d, path)
	if err == nil {
		return img, nil
	}
	if s.Fallback == nil {
		return nil, fmt.Errorf("%w (delete %s to download a fresh image)", err, path)
	}

	log.G(ctx).WithError(err).WithField("path", path).Warn("cached restore image is unusable, discarding it")
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: remove unusable cached image: %w", ErrRestoreImage, rmErr)
	}
	return s.Fallback.Resolve(ctx, d, progress)
}

// LatestSource downloads the newest restore image the host supports into
// the bundle.
type LatestSource struct {
	Bundle *Bundle
}

func (s LatestSource) String() string { return "latest supported restore image" }

func (s LatestSource) Resolve(ctx context.Context, d hypervisor.Driver, progress func(float64)) (hypervisor.RestoreImage, error) {
	dest := s.Bundle.RestoreImagePath()
	log.G(ctx).WithField("path", dest).Info("downloading restore image")

	img, err := d.FetchLatestRestoreImage(ctx, dest, progress)
	if err != nil {
		// Drop a partial download so it is not picked up as a cached image
		if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.G(ctx).WithError(rmErr).Warn("failed to remove partial restore image")
		}
		return nil, fmt.Errorf("%w: %w", ErrRestoreImage, err)
	}
	return img, nil
}

// SelectSource picks the restore image source: an explicit path wins, then
// a cached image in the bundle, then a download. An unusable cached image
// is replaced by a download.
func SelectSource(path string, b *Bundle) Source {
	if path != "" {
		return LocalSource{Path: path}
	}
	if ok, _ := fileExists(b.RestoreImagePath()); ok {
		return CachedSource{Bundle: b, Fallback: LatestSource{Bundle: b}}
	}
	return LatestSource{Bundle: b}
}

func loadRestoreImage(ctx context.Context, d hypervisor.Driver, path string) (hypervisor.RestoreImage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRestoreImage, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrRestoreImage, path)
	}
	img, err := d.LoadRestoreImage(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRestoreImage, err)
	}
	return img, nil
}
