// Package preview runs the static preview server of a built site for the
// duration of a visual validation pass.
package preview

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/logging"
)

// DefaultPort is the first port tried for a preview server.
const DefaultPort = 4322

// portSearchSpan bounds how far above Options.Port a free port is looked for.
const portSearchSpan = 100

// readyPattern matches the local URL the server prints once listening on
// port. Error text such as "EADDRINUSE ... localhost:4322" carries no scheme
// and does not match.
func readyPattern(port int) *regexp.Regexp {
	return regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\]):` + strconv.Itoa(port) + `\b`)
}

// Options tunes the preview server. Zero values take the defaults.
type Options struct {
	NPM string
	// Port is where the search for a free port starts. Servers running in
	// this process never share a port.
	Port int
	Env  []string
	// ReadyTimeout bounds the wait for the ready marker. On timeout the
	// server is kept if it is still running.
	ReadyTimeout time.Duration
	// Settle is waited after the ready marker.
	Settle time.Duration
	// KillGrace is the delay between SIGTERM and SIGKILL on Stop.
	KillGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.NPM == "" {
		o.NPM = "npm"
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = 5 * time.Second
	}
	if o.Settle == 0 {
		o.Settle = time.Second
	}
	if o.KillGrace == 0 {
		o.KillGrace = 5 * time.Second
	}
	return o
}

// Server is a running preview process.
type Server struct {
	opts    Options
	port    int
	cmd     *exec.Cmd
	out     *watchBuffer
	ready   bool
	stopped chan struct{}
	stop    sync.Once
	log     *zap.Logger
}

// Start reserves a free port, launches `npm run preview -- --port N` in
// projectDir in its own process group and waits for it to listen. A server
// that printed its URL is ready only if it is still running after the settle
// delay and accepts a TCP connection. Without a URL before the ready timeout
// the server is kept, and Ready reports whether the port answers.
func Start(ctx context.Context, projectDir string, opts Options, log *zap.Logger) (*Server, error) {
	opts = opts.withDefaults()
	port, err := ports.acquire(opts.Port)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:    opts,
		port:    port,
		out:     newWatchBuffer(readyPattern(port)),
		stopped: make(chan struct{}),
		log:     logging.OrNop(log).With(zap.String("component", "preview"), zap.Int("port", port)),
	}

	cmd := exec.Command(opts.NPM, "run", "preview", "--", "--port", strconv.Itoa(port))
	cmd.Dir = projectDir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = s.out
	cmd.Stderr = s.out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		ports.release(port)
		return nil, fmt.Errorf("start preview server: %w", err)
	}
	s.cmd = cmd
	go func() {
		defer close(s.stopped)
		_ = cmd.Wait()
	}()

	timer := time.NewTimer(opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-s.out.matched:
		if err := sleep(ctx, opts.Settle); err != nil {
			s.Stop()
			return nil, err
		}
		if s.Exited() {
			s.Stop()
			return nil, fmt.Errorf("preview server exited after reporting ready: %s", lastLine(s.out.String()))
		}
		if err := s.dial(); err != nil {
			s.Stop()
			return nil, fmt.Errorf("preview server not accepting connections on port %d: %w", port, err)
		}
		s.ready = true
		s.log.Info("preview server ready", zap.String("url", s.URL()))
	case <-timer.C:
		s.ready = s.dial() == nil
		if !s.ready {
			s.log.Warn("preview server not confirmed ready, continuing", zap.Duration("timeout", opts.ReadyTimeout))
		}
	case <-s.stopped:
		s.Stop()
		return nil, fmt.Errorf("preview server exited before becoming ready: %s", lastLine(s.out.String()))
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	}
	return s, nil
}

func (s *Server) dial() error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", strconv.Itoa(s.port)), time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// URL is the base URL of the preview site.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.port)
}

// Port is the port reserved for this server.
func (s *Server) Port() int { return s.port }

// Ready reports whether the server was seen accepting connections.
func (s *Server) Ready() bool { return s.ready }

// Output returns what the server printed so far.
func (s *Server) Output() string { return s.out.String() }

// Stop terminates the whole process group: SIGTERM first, SIGKILL after
// the grace delay, then frees the port. It is safe to call more than once.
func (s *Server) Stop() {
	s.stop.Do(func() {
		defer ports.release(s.port)
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		pgid := -s.cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		select {
		case <-s.stopped:
		case <-time.After(s.opts.KillGrace):
			s.log.Warn("preview server ignored SIGTERM, killing")
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			<-s.stopped
		}
		s.log.Debug("preview server stopped")
	})
}

// Exited reports whether the process has terminated.
func (s *Server) Exited() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// portPool tracks the ports held by live servers of this process.
type portPool struct {
	mu   sync.Mutex
	used map[int]bool
}

var ports = &portPool{used: map[int]bool{}}

// acquire reserves the first port from start on that no server of this
// process holds and nothing else is bound to.
func (p *portPool) acquire(start int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := start; port < start+portSearchSpan; port++ {
		if p.used[port] || !portFree(port) {
			continue
		}
		p.used[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free preview port in %d-%d", start, start+portSearchSpan-1)
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// watchBuffer collects output and closes matched the first time marker
// matches it.
type watchBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	marker  *regexp.Regexp
	matched chan struct{}
	closed  bool
}

func newWatchBuffer(marker *regexp.Regexp) *watchBuffer {
	return &watchBuffer{marker: marker, matched: make(chan struct{})}
}

func (w *watchBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if !w.closed && w.marker.Match(w.buf.Bytes()) {
		w.closed = true
		close(w.matched)
	}
	return len(p), nil
}

func (w *watchBuffer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func lastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(lines[len(lines)-1])
}
