// Package initramfs assembles a newc cpio archive from a host
// directory tree, good enough to hand a kernel as an initrd.
package initramfs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/cavaliergopher/cpio"
)

const numLinks = 2

// Build archives the given filesystem. Directories and regular files
// are included; anything else (sockets, devices, symlinks reached
// through fs.FS) is skipped.
func Build(fsys fs.FS) ([]byte, error) {
	var buf bytes.Buffer

	w := cpio.NewWriter(&buf)

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}

		switch {
		case d.IsDir():
			return writeDirectory(w, path)
		case d.Type().IsRegular():
			return writeRegular(w, fsys, path)
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildFromDir archives a directory on the host filesystem.
func BuildFromDir(dir string) ([]byte, error) {
	return Build(os.DirFS(dir))
}

func writeDirectory(w *cpio.Writer, path string) error {
	header := &cpio.Header{
		Name:  path,
		Mode:  cpio.TypeDir | cpio.ModePerm,
		Links: numLinks,
	}

	if err := w.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", path, err)
	}
	return nil
}

func writeRegular(w *cpio.Writer, fsys fs.FS, path string) error {
	source, err := fsys.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("read info: %w", err)
	}

	header, err := cpio.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("create header: %w", err)
	}
	header.Name = path

	if err := w.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", path, err)
	}
	if _, err := io.Copy(w, source); err != nil {
		return fmt.Errorf("write body for %s: %w", path, err)
	}
	return nil
}
