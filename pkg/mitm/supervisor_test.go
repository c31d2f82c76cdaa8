package mitm

import (
	"context"
	"strings"
	"testing"

	"github.com/warpgate/warpgate/pkg/logger"
)

func TestBuildArgs(t *testing.T) {
	opts := Options{
		ScriptPath: "/data/addon.py",
		ConfDir:    "/data/mitmproxy",
	}
	args := strings.Join(buildArgs(opts, 18080), " ")

	for _, want := range []string{
		"--listen-host 127.0.0.1",
		"-p 18080",
		"-s /data/addon.py",
		"--set confdir=/data/mitmproxy",
		"--set keep_host_header=true",
		"--set console_eventlog_verbosity=error",
		"--set flow_detail=0",
		"--set connection_strategy=lazy",
		"--set http2=false",
		"--ignore-hosts",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q:\n%s", want, args)
		}
	}
}

func TestBuildArgsVerbose(t *testing.T) {
	args := strings.Join(buildArgs(Options{Verbose: true}, 1), " ")
	if !strings.Contains(args, "console_eventlog_verbosity=debug") {
		t.Error("verbose mode should raise the event log verbosity")
	}
}

func TestIgnorePattern(t *testing.T) {
	pattern := ignorePattern(false)
	for _, domain := range []string{`googleapis\.com`, `gstatic\.com`, `google\.com`, `cloudflareclient\.com`, `baidupcs\.com`} {
		if !strings.Contains(pattern, domain) {
			t.Errorf("pattern missing %s: %s", domain, pattern)
		}
	}

	warpOnly := ignorePattern(true)
	if !strings.Contains(warpOnly, `warp\.dev`) {
		t.Errorf("warp-only pattern does not reference warp.dev: %s", warpOnly)
	}
	if warpOnly == pattern {
		t.Error("warp-only mode should change the ignore pattern")
	}
}

func TestCertFile(t *testing.T) {
	if got := CertFile("/data/mitmproxy"); !strings.HasSuffix(got, "mitmproxy-ca-cert.cer") {
		t.Errorf("CertFile = %q", got)
	}
}

func TestStopWhenNeverStarted(t *testing.T) {
	s := NewSupervisor(Options{}, nil, logger.NewDefault("test"))
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on idle supervisor failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("idle supervisor reports running")
	}
	if s.ProxyURL() != "" {
		t.Errorf("idle supervisor has proxy URL %q", s.ProxyURL())
	}
}

func TestStartRejectsMissingMitmdump(t *testing.T) {
	s := NewSupervisor(Options{
		MitmdumpPath: "/nonexistent/mitmdump",
		ScriptPath:   "/nonexistent/addon.py",
	}, nil, logger.NewDefault("test"))

	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error for missing mitmdump binary")
	}
}
