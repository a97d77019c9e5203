package merge

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
)

// Archive writes files into a tar archive at out, gzip compressed when
// compress is set. Entries are named by base name.
func Archive(out string, files []string, compress bool) (err error) {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if compress {
		gz := gzip.NewWriter(f)
		defer func() {
			if cerr := gz.Close(); err == nil && cerr != nil {
				err = cerr
			}
		}()
		w = gz
	}

	tw := tar.NewWriter(w)
	for _, file := range files {
		if err := addFile(tw, file); err != nil {
			return err
		}
	}
	return tw.Close()
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Adler32File returns the adler32 checksum of a file as 8 hex digits.
func Adler32File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	defer f.Close()
	h := adler32.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return fmt.Sprintf("%08x", h.Sum32()), nil
}
