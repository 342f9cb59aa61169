package registry

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/neutron-data/powder.report/internal/security"
)

// unzip extracts an archive into dir and returns the extracted file
// paths. Member names must stay inside dir.
func unzip(src, dir string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var out []string
	for _, f := range zr.File {
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		if err := security.ValidatePathWithinDirectory(dest, dir); err != nil {
			return nil, fmt.Errorf("member %q: %w", f.Name, err)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		if err := extractMember(f, dest); err != nil {
			return nil, err
		}
		out = append(out, dest)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("archive %s contains no files", filepath.Base(src))
	}
	return out, nil
}

func extractMember(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	w, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
