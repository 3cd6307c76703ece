package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/containerd/log"
	"github.com/docker/go-units"
)

const (
	// DefaultDiskSize is the guest disk size (128 GiB, sparse).
	DefaultDiskSize int64 = 128 * units.GiB
)

// DiskFormat is the on-disk format of a guest disk image.
type DiskFormat string

const (
	DiskFormatRaw  DiskFormat = "raw"
	DiskFormatASIF DiskFormat = "asif"
)

// DiskImage is a handle to the guest disk artifact.
type DiskImage struct {
	Path string

	// Size is the logical size of a created image. For an existing image
	// it is the file length.
	Size   int64
	Format DiskFormat

	// Created is true if this call created the artifact.
	Created bool
}

// CommandRunner runs an external program.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// ImageManager handles disk image creation.
type ImageManager struct {
	sparse bool
	run    CommandRunner
}

// ImageOption configures an ImageManager.
type ImageOption func(*ImageManager)

// WithSparseImages makes new images ASIF sparse images created by diskutil.
func WithSparseImages(enabled bool) ImageOption {
	return func(m *ImageManager) {
		m.sparse = enabled
	}
}

// WithCommandRunner replaces the runner used for external tools.
func WithCommandRunner(run CommandRunner) ImageOption {
	return func(m *ImageManager) {
		m.run = run
	}
}

// NewImageManager creates an image manager.
func NewImageManager(opts ...ImageOption) *ImageManager {
	m := &ImageManager{run: execRunner}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EnsureDiskImage creates a disk image of exactly size bytes at path if none
// exists. An existing artifact is returned untouched.
func (m *ImageManager) EnsureDiskImage(ctx context.Context, path string, size int64) (*DiskImage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrDiskImage, size)
	}

	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrDiskImage, path)
		}
		img := &DiskImage{Path: path, Size: info.Size(), Format: DiskFormatRaw}
		asif, err := isASIF(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiskImage, err)
		}
		switch {
		case asif:
			// The file length of an ASIF image is its allocated data, not
			// its logical size.
			img.Format = DiskFormatASIF
			log.G(ctx).WithFields(log.Fields{
				"path":      path,
				"requested": size,
			}).Debug("keeping existing ASIF disk image, logical size not checked")
		case info.Size() != size:
			log.G(ctx).WithFields(log.Fields{
				"path":      path,
				"size":      info.Size(),
				"requested": size,
			}).Warn("existing disk image size differs from policy, keeping it")
		}
		return img, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrDiskImage, path, err)
	}

	var (
		img *DiskImage
		err error
	)
	if m.sparse {
		img, err = m.createSparseImage(ctx, path, size)
	} else {
		img, err = m.createRawImage(path, size)
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	log.G(ctx).WithFields(log.Fields{
		"path":   path,
		"size":   units.BytesSize(float64(size)),
		"format": img.Format,
	}).Info("created disk image")
	return img, nil
}

func (m *ImageManager) createRawImage(path string, size int64) (*DiskImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %w", ErrDiskImage, err)
	}

	// Truncate creates a sparse file on APFS and most Linux filesystems
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate: %w", ErrDiskImage, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close: %w", ErrDiskImage, err)
	}
	return &DiskImage{Path: path, Size: size, Format: DiskFormatRaw, Created: true}, nil
}

func (m *ImageManager) createSparseImage(ctx context.Context, path string, size int64) (*DiskImage, error) {
	err := m.run(ctx, "diskutil", "image", "create", "blank",
		"--fs", "none",
		"--format", "ASIF",
		"--size", diskutilSize(size),
		path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiskImage, err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: diskutil produced no image: %w", ErrDiskImage, err)
	}
	return &DiskImage{Path: path, Size: size, Format: DiskFormatASIF, Created: true}, nil
}

// asifMagic opens the header of an ASIF image.
var asifMagic = []byte("shdw")

// isASIF reports whether the file at path starts with an ASIF header.
func isASIF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, len(asifMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return bytes.Equal(header, asifMagic), nil
}

// RemoveDiskImage deletes a disk image. A missing image is not an error.
func RemoveDiskImage(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove disk image: %w", err)
	}
	return nil
}

// diskutilSize renders size in the unit diskutil expects. Whole GiB values
// use the short form, anything else is passed in bytes.
func diskutilSize(size int64) string {
	if size%units.GiB == 0 {
		return fmt.Sprintf("%dGiB", size/units.GiB)
	}
	return fmt.Sprintf("%db", size)
}
