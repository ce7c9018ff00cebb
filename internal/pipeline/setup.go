package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ClientInfoFile records the job input in the project directory.
const ClientInfoFile = "client-info.json"

// ErrOutputExists is returned when the project directory already exists and
// the job was not forced.
var ErrOutputExists = errors.New("output directory already exists")

// templateEntries are copied from the template when present. Components are
// generated, so src/components is not among them.
var templateEntries = []string{
	"src/layouts",
	"src/pages",
	"src/lib",
	"src/styles",
	"public",
	"package.json",
	"astro.config.mjs",
	"tailwind.config.mjs",
	"tsconfig.json",
	"Dockerfile",
	".gitignore",
	"data/pages.json",
	"data/design-tokens.json",
}

var projectDirs = []string{"data", "src/components", "src/styles"}

// Setup creates the project directory from the template and writes the
// client info. It returns the entries copied.
func Setup(templateDir, outputDir string, job *Job) ([]string, error) {
	if _, err := os.Stat(outputDir); err == nil {
		if !job.Options.Force {
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, outputDir)
		}
		if err := os.RemoveAll(outputDir); err != nil {
			return nil, fmt.Errorf("remove existing output: %w", err)
		}
	}
	for _, d := range projectDirs {
		if err := os.MkdirAll(filepath.Join(outputDir, filepath.FromSlash(d)), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	var copied []string
	for _, entry := range templateEntries {
		src := filepath.Join(templateDir, filepath.FromSlash(entry))
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyTree(src, filepath.Join(outputDir, filepath.FromSlash(entry))); err != nil {
			return copied, fmt.Errorf("copy %s: %w", entry, err)
		}
		copied = append(copied, entry)
	}

	info := map[string]any{}
	for k, v := range job.ClientInfo {
		info[k] = v
	}
	info["name"] = job.SiteName
	info["source"] = job.Source
	info["jobId"] = job.ID
	info["createdAt"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return copied, fmt.Errorf("encode client info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, ClientInfoFile), data, 0o644); err != nil {
		return copied, fmt.Errorf("write client info: %w", err)
	}
	return copied, nil
}

// copyTree copies a file or a directory recursively. Symlinks are skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(p, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
