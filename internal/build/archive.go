package build

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var skipPrefixes = []string{"node_modules/", ".git/", ".astro/"}

func shouldSkip(rel string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(rel+"/", p) || strings.HasPrefix(rel, p) {
			return true
		}
	}
	base := filepath.Base(rel)
	return base == ".env" || strings.HasPrefix(base, ".env.") || base == ".DS_Store"
}

// Archive writes a zip of every regular file under dir to w, with paths
// relative to dir.
func Archive(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	root := os.DirFS(dir)
	err := fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		if shouldSkip(path) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = path
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("create zip entry for %s: %w", path, err)
		}
		f, err := root.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(fw, f); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip archive: %w", err)
	}
	return nil
}

// ArchiveBytes returns the zip of dir in memory.
func ArchiveBytes(dir string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Archive(dir, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces dir with the contents of a zip produced by Archive.
func Restore(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, zf := range zr.File {
		if !filepath.IsLocal(zf.Name) {
			return fmt.Errorf("archive entry %q escapes the output directory", zf.Name)
		}
		if err := restoreFile(zf, filepath.Join(dir, filepath.FromSlash(zf.Name))); err != nil {
			return err
		}
	}
	return nil
}

func restoreFile(zf *zip.File, dest string) error {
	if zf.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("read %s: %w", zf.Name, err)
	}
	defer rc.Close()
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", zf.Name, err)
	}
	return f.Close()
}
