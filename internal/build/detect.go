// Package build installs the dependencies of a generated site, runs its
// static build and packages the output.
package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ProjectType is the detected kind of site project.
type ProjectType string

const (
	ProjectTypeAstro      ProjectType = "astro"
	ProjectTypeVite       ProjectType = "vite"
	ProjectTypeNextJS     ProjectType = "nextjs"
	ProjectTypeNodeJS     ProjectType = "nodejs"
	ProjectTypeStaticHTML ProjectType = "static_html"
	ProjectTypeUnknown    ProjectType = "unknown"
)

// ErrUnknownProject is returned when nothing buildable is found.
var ErrUnknownProject = errors.New("no package.json or index.html in project")

// Config is the build plan of a project. Commands are npm arguments; an
// empty BuildArgs means the project is served as is.
type Config struct {
	ProjectType ProjectType `json:"project_type"`
	Framework   string      `json:"framework,omitempty"`
	InstallArgs []string    `json:"install_args,omitempty"`
	BuildArgs   []string    `json:"build_args,omitempty"`
	PreviewArgs []string    `json:"preview_args,omitempty"`
	OutputDir   string      `json:"output_dir"`
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

// Detect reads the project files to decide how to build it.
func Detect(projectDir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, "package.json"))
	if errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(filepath.Join(projectDir, "index.html")); err == nil {
			return &Config{ProjectType: ProjectTypeStaticHTML, OutputDir: "."}, nil
		}
		return nil, ErrUnknownProject
	}
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}

	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}

	deps := make(map[string]bool)
	for dep := range pkg.Dependencies {
		deps[dep] = true
	}
	for dep := range pkg.DevDependencies {
		deps[dep] = true
	}

	cfg := &Config{
		ProjectType: ProjectTypeNodeJS,
		InstallArgs: []string{"install", "--silent"},
		OutputDir:   "dist",
	}
	switch {
	case deps["astro"]:
		cfg.ProjectType = ProjectTypeAstro
		cfg.Framework = "astro"
	case deps["next"]:
		cfg.ProjectType = ProjectTypeNextJS
		cfg.Framework = "nextjs"
		cfg.OutputDir = "out"
	case deps["vite"]:
		cfg.ProjectType = ProjectTypeVite
		cfg.Framework = "vite"
	}

	if _, ok := pkg.Scripts["build"]; ok {
		cfg.BuildArgs = []string{"run", "build"}
	}
	if _, ok := pkg.Scripts["preview"]; ok {
		cfg.PreviewArgs = []string{"run", "preview", "--"}
	}
	return cfg, nil
}
