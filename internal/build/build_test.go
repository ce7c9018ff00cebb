package build

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const astroPackage = `{
  "name": "client-site",
  "scripts": {"dev": "astro dev", "build": "astro build", "preview": "astro preview"},
  "dependencies": {"astro": "^4.0.0", "@astrojs/tailwind": "^5.0.0"}
}`

// fakeNPM records its arguments and fails the step named in FAIL_STEP.
const fakeNPM = `#!/bin/sh
echo "$*" >> "$NPM_CALLS"
case "$1" in
install)
  [ "$FAIL_STEP" = "install" ] && { echo "npm ERR! 404 Not Found - astro-icons" >&2; exit 1; }
  exit 0 ;;
run)
  [ "$FAIL_STEP" = "build" ] && { echo "building"; echo "[ERROR] Could not resolve ../components/Hero.astro" >&2; exit 3; }
  mkdir -p dist && echo "<html></html>" > dist/index.html
  echo "built 1 page"
  exit 0 ;;
esac
exit 0
`

func fakeRunner(t *testing.T, failStep string) (*Runner, string) {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "npm")
	require.NoError(t, os.WriteFile(bin, []byte(fakeNPM), 0o755))
	calls := filepath.Join(t.TempDir(), "calls")
	r := NewRunner(bin, nil).WithEnv("NPM_CALLS="+calls, "FAIL_STEP="+failStep)
	return r, calls
}

func astroProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(astroPackage), 0o644))
	return dir
}

func readCalls(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		wantType  ProjectType
		wantOut   string
		wantBuild bool
		wantErr   error
	}{
		{"astro", map[string]string{"package.json": astroPackage}, ProjectTypeAstro, "dist", true, nil},
		{"next", map[string]string{"package.json": `{"dependencies": {"next": "14"}, "scripts": {"build": "next build"}}`}, ProjectTypeNextJS, "out", true, nil},
		{"vite dev dependency", map[string]string{"package.json": `{"devDependencies": {"vite": "5"}, "scripts": {"build": "vite build"}}`}, ProjectTypeVite, "dist", true, nil},
		{"node without build script", map[string]string{"package.json": `{"dependencies": {"express": "4"}}`}, ProjectTypeNodeJS, "dist", false, nil},
		{"static html", map[string]string{"index.html": "<html></html>"}, ProjectTypeStaticHTML, ".", false, nil},
		{"empty", nil, "", "", false, ErrUnknownProject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
			}
			cfg, err := Detect(dir)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, cfg.ProjectType)
			assert.Equal(t, tt.wantOut, cfg.OutputDir)
			assert.Equal(t, tt.wantBuild, len(cfg.BuildArgs) > 0)
		})
	}
}

func TestDetectInvalidPackageJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{"), 0o644))
	_, err := Detect(dir)
	assert.ErrorContains(t, err, "parse package.json")
}

func TestBuild(t *testing.T) {
	r, calls := fakeRunner(t, "")
	dir := astroProject(t)

	res, err := r.Build(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dist"), res.OutputDir)
	assert.Equal(t, ProjectTypeAstro, res.Config.ProjectType)
	assert.Contains(t, res.Output, "built 1 page")
	assert.Equal(t, []string{"install --silent", "run build"}, readCalls(t, calls))
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		step      string
		wantCode  int
		wantCalls []string
		wantTail  string
	}{
		{StepInstall, 1, []string{"install --silent"}, "npm ERR! 404 Not Found - astro-icons"},
		{StepBuild, 3, []string{"install --silent", "run build"}, "[ERROR] Could not resolve ../components/Hero.astro"},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			r, calls := fakeRunner(t, tt.step)
			_, err := r.Build(context.Background(), astroProject(t))

			var be *BuildError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.step, be.Step)
			assert.Equal(t, tt.wantCode, be.ExitCode)
			assert.Contains(t, be.Tail(1), tt.wantTail)
			assert.Contains(t, err.Error(), tt.step+" failed with code")
			assert.Equal(t, tt.wantCalls, readCalls(t, calls))
		})
	}
}

func TestBuildUnknownProject(t *testing.T) {
	r, calls := fakeRunner(t, "")
	_, err := r.Build(context.Background(), t.TempDir())

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, StepDetect, be.Step)
	assert.ErrorIs(t, err, ErrUnknownProject)
	assert.Empty(t, readCalls(t, calls))
}

func TestBuildMissingNPM(t *testing.T) {
	r := NewRunner(filepath.Join(t.TempDir(), "missing-npm"), nil)
	_, err := r.Build(context.Background(), astroProject(t))

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, StepInstall, be.Step)
}

func TestBuildErrorTail(t *testing.T) {
	be := &BuildError{Step: StepBuild, ExitCode: 1, Output: "a\n\nb\nc\n\n"}
	assert.Equal(t, "b\nc", be.Tail(2))
	assert.Equal(t, "build failed with code 1: a\nb\nc", be.Error())
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{max: 10}
	_, _ = io.WriteString(b, "0123456789")
	_, _ = io.WriteString(b, "abc")
	assert.Equal(t, "9abc", b.String()[len(b.String())-4:])
	assert.LessOrEqual(t, len(b.String()), 10)
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"index.html":              "<html></html>",
		"en/index.html":           "<html lang=en></html>",
		"_astro/app.css":          "body{}",
		".env":                    "SECRET=1",
		"node_modules/x/index.js": "x",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	data, err := ArchiveBytes(dir)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	got := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		got[f.Name] = string(b)
	}
	assert.Equal(t, map[string]string{
		"index.html":     "<html></html>",
		"en/index.html":  "<html lang=en></html>",
		"_astro/app.css": "body{}",
	}, got)
}

func TestRestore(t *testing.T) {
	dist := filepath.Join(t.TempDir(), "dist")
	require.NoError(t, os.MkdirAll(filepath.Join(dist, "en"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dist, "index.html"), []byte("<h1>v1</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dist, "en", "index.html"), []byte("<h1>en</h1>"), 0o644))
	snapshot, err := ArchiveBytes(dist)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dist, "index.html"), []byte("<h1>half</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dist, "chunk.js"), []byte("broken"), 0o644))

	require.NoError(t, Restore(snapshot, dist))
	data, err := os.ReadFile(filepath.Join(dist, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>v1</h1>", string(data))
	assert.FileExists(t, filepath.Join(dist, "en", "index.html"))
	assert.NoFileExists(t, filepath.Join(dist, "chunk.js"))
}

func TestRestoreRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, zw.Close())

	dir := filepath.Join(t.TempDir(), "dist")
	err = Restore(buf.Bytes(), dir)
	assert.ErrorContains(t, err, "escapes")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "evil.txt"))

	assert.Error(t, Restore([]byte("not a zip"), dir))
}
