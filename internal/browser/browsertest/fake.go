// Package browsertest provides an in-memory ScreenshotCapability for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sitebuilder/internal/browser"
)

// PNG is the payload written for every fake screenshot.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Capability records what sessions did and answers from canned data.
type Capability struct {
	mu sync.Mutex

	HTML         string
	ScrollHeight int
	// EvalResults maps a substring of the evaluated expression to the value
	// returned for it.
	EvalResults map[string]any

	NewSessionErr error
	NavigateErr   error
	// FailShots lists screenshot file names that fail.
	FailShots map[string]bool

	Sessions    int
	Navigations []string
	Viewports   []browser.Viewport
	Shots       []string
	Scrolls     []int
}

// NewSession implements browser.ScreenshotCapability.
func (c *Capability) NewSession(ctx context.Context) (browser.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NewSessionErr != nil {
		return nil, c.NewSessionErr
	}
	c.Sessions++
	return &session{c: c}, nil
}

// Calls returns a snapshot of recorded screenshot names.
func (c *Capability) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Shots...)
}

type session struct {
	c *Capability
}

func (s *session) SetViewport(ctx context.Context, vp browser.Viewport) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.Viewports = append(s.c.Viewports, vp)
	return nil
}

func (s *session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.Navigations = append(s.c.Navigations, url)
	return s.c.NavigateErr
}

func (s *session) Screenshot(ctx context.Context, path string, fullPage bool) error {
	s.c.mu.Lock()
	name := filepath.Base(path)
	fail := s.c.FailShots[name]
	if !fail {
		s.c.Shots = append(s.c.Shots, name)
	}
	s.c.mu.Unlock()
	if fail {
		return errors.New("screenshot failed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, PNG, 0o644)
}

func (s *session) HTML(ctx context.Context) (string, error) {
	return s.c.HTML, nil
}

func (s *session) ScrollHeight(ctx context.Context) (int, error) {
	return s.c.ScrollHeight, nil
}

func (s *session) ScrollTo(ctx context.Context, y int) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.Scrolls = append(s.c.Scrolls, y)
	return nil
}

func (s *session) Evaluate(ctx context.Context, expr string, out any) error {
	for key, val := range s.c.EvalResults {
		if strings.Contains(expr, key) {
			data, err := json.Marshal(val)
			if err != nil {
				return err
			}
			return json.Unmarshal(data, out)
		}
	}
	return errors.New("no canned result for expression")
}

func (s *session) Close() error { return nil }
