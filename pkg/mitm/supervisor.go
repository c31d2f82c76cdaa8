// Package mitm supervises the mitmdump child process that performs the
// actual TLS interception.
package mitm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warpgate/warpgate/pkg/logger"
	"github.com/warpgate/warpgate/pkg/portalloc"
)

const (
	listenHost = "127.0.0.1"

	startupPollAttempts = 10
	startupPollInterval = time.Second
	stopTimeout         = 10 * time.Second
	certGenDuration     = 5 * time.Second
)

// ErrTrustRequired means the proxy cannot start until the CA certificate
// is trusted, either automatically or by manual approval.
var ErrTrustRequired = errors.New("proxy CA certificate is not trusted yet")

// TrustFunc checks (and if needed establishes) CA trust before launch
type TrustFunc func(ctx context.Context) (bool, error)

// Options configures the supervised mitmdump instance
type Options struct {
	MitmdumpPath   string
	ScriptPath     string
	ConfDir        string
	BasePort       int
	ForbiddenPorts []int
	Verbose        bool

	// WarpOnly intercepts only Warp traffic and tunnels the rest raw
	WarpOnly bool
}

// Supervisor owns the lifecycle of a single mitmdump process
type Supervisor struct {
	opts        Options
	ensureTrust TrustFunc
	log         *logger.Logger
	buf         *LogBuffer

	mu   sync.Mutex
	cmd  *exec.Cmd
	port int
	done chan struct{}
}

// NewSupervisor creates a supervisor. ensureTrust may be nil to skip the
// trust gate, e.g. in tests.
func NewSupervisor(opts Options, ensureTrust TrustFunc, log *logger.Logger) *Supervisor {
	return &Supervisor{
		opts:        opts,
		ensureTrust: ensureTrust,
		log:         log,
		buf:         NewLogBuffer(500),
	}
}

// CertFile returns the path of the CA certificate inside a confdir
func CertFile(confDir string) string {
	return filepath.Join(confDir, "mitmproxy-ca-cert.cer")
}

// Logs exposes the buffered proxy output
func (s *Supervisor) Logs() *LogBuffer {
	return s.buf
}

// Port returns the port the proxy listens on, 0 when stopped
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ProxyURL returns the host:port address of the running proxy
func (s *Supervisor) ProxyURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == 0 {
		return ""
	}
	return net.JoinHostPort(listenHost, strconv.Itoa(s.port))
}

// IsRunning reports whether the supervised process is alive
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Supervisor) runningLocked() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start launches mitmdump and waits until its port accepts connections.
// Starting an already-running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return nil
	}

	if err := s.checkInstallation(ctx); err != nil {
		return err
	}
	if err := s.ensureCertMaterial(ctx); err != nil {
		return err
	}

	if s.ensureTrust != nil {
		trusted, err := s.ensureTrust(ctx)
		if err != nil {
			return err
		}
		if !trusted {
			return ErrTrustRequired
		}
	}

	alloc := portalloc.New(s.opts.BasePort, s.opts.ForbiddenPorts...)
	port := alloc.Choose()

	args := buildArgs(s.opts, port)
	cmd := exec.Command(s.opts.MitmdumpPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch mitmdump: %w", err)
	}
	s.log.Info("mitmdump started (pid %d) on port %d", cmd.Process.Pid, port)

	var tail errTail
	go s.pump(stdout, nil)
	go s.pump(stderr, &tail)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	for i := 0; i < startupPollAttempts; i++ {
		select {
		case <-done:
			msg := fmt.Sprintf("mitmdump exited during startup: %s", tail.String())
			if hint := Diagnose(tail.String()); hint != "" {
				msg += " (" + hint + ")"
			}
			return errors.New(msg)
		case <-ctx.Done():
			terminate(cmd.Process)
			return ctx.Err()
		case <-time.After(startupPollInterval):
		}

		if portOpen(port) {
			s.cmd = cmd
			s.port = port
			s.done = done
			return nil
		}
	}

	terminate(cmd.Process)
	return fmt.Errorf("mitmdump did not open port %d in time", port)
}

// Stop terminates the proxy. When the process handle was lost, stray
// mitmdump processes carrying our port argument are hunted down instead.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if s.cmd == nil {
		if s.port != 0 {
			killStray(ctx, s.log, s.port)
			s.port = 0
		}
		return nil
	}

	port := s.port
	if err := terminate(s.cmd.Process); err != nil {
		s.cmd.Process.Kill()
	}

	select {
	case <-s.done:
		s.log.Info("mitmdump stopped")
	case <-time.After(stopTimeout):
		s.log.Warn("mitmdump did not exit in time, killing it")
		s.cmd.Process.Kill()
		killStray(ctx, s.log, port)
	}

	s.cmd = nil
	s.port = 0
	s.done = nil
	return nil
}

// pump feeds process output into the log buffer line by line
func (s *Supervisor) pump(r io.Reader, tail *errTail) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.buf.Append(line)
		if tail != nil {
			tail.add(line)
		}
	}
}

// checkInstallation verifies mitmdump runs and the addon script exists
func (s *Supervisor) checkInstallation(ctx context.Context) error {
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(vctx, s.opts.MitmdumpPath, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("mitmdump is not usable (%s): %w", strings.TrimSpace(string(out)), err)
	}

	if _, err := os.Stat(s.opts.ScriptPath); err != nil {
		return fmt.Errorf("addon script not found at %s: %w", s.opts.ScriptPath, err)
	}
	return nil
}

// ensureCertMaterial generates the CA material with a short throwaway run
// when the confdir does not hold a certificate yet.
func (s *Supervisor) ensureCertMaterial(ctx context.Context) error {
	certPath := CertFile(s.opts.ConfDir)
	if _, err := os.Stat(certPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(s.opts.ConfDir, 0o755); err != nil {
		return fmt.Errorf("failed to create confdir: %w", err)
	}

	s.log.Info("generating proxy CA material in %s", s.opts.ConfDir)
	cmd := exec.Command(s.opts.MitmdumpPath, "--set", "confdir="+s.opts.ConfDir, "-q")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch mitmdump for CA generation: %w", err)
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		terminate(cmd.Process)
		return ctx.Err()
	case <-time.After(certGenDuration):
		terminate(cmd.Process)
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			cmd.Process.Kill()
		}
	}

	if _, err := os.Stat(certPath); err != nil {
		return fmt.Errorf("CA material was not generated: %w", err)
	}
	return nil
}

// buildArgs assembles the mitmdump command line
func buildArgs(opts Options, port int) []string {
	verbosity := "error"
	if opts.Verbose {
		verbosity = "debug"
	}

	return []string{
		"--listen-host", listenHost,
		"-p", strconv.Itoa(port),
		"-s", opts.ScriptPath,
		"--set", "confdir=" + opts.ConfDir,
		"--set", "keep_host_header=true",
		"--set", "console_eventlog_verbosity=" + verbosity,
		"--set", "flow_detail=0",
		"--set", "connection_strategy=lazy",
		"--set", "http2=false",
		"--ignore-hosts", ignorePattern(opts.WarpOnly),
	}
}

// ignorePattern returns the regex of hosts mitmdump must tunnel without
// interception. In warp-only mode everything except Warp hosts is
// tunneled raw.
func ignorePattern(warpOnly bool) string {
	if warpOnly {
		return `^(?![^:]*\bwarp\.dev)[^:]+:`
	}
	domains := []string{
		`googleapis\.com`,
		`gstatic\.com`,
		`google\.com`,
		`cloudflareclient\.com`,
		`baidupcs\.com`,
	}
	return `^(.+\.)?(` + strings.Join(domains, "|") + `):`
}

// portOpen reports whether something accepts connections on the port
func portOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(listenHost, strconv.Itoa(port)), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// errTail keeps the last few stderr lines for diagnosis
type errTail struct {
	mu    sync.Mutex
	lines []string
}

func (t *errTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > 20 {
		t.lines = t.lines[len(t.lines)-20:]
	}
}

func (t *errTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
