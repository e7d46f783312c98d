package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
)

const (
	stopTimeout  = 5 * time.Second
	outputLines  = 50
	maxLineBytes = 1024 * 1024
)

// process is a supervised child process whose combined stdout/stderr is
// scanned line by line.
type process struct {
	name      string
	cmd       *exec.Cmd
	startedAt time.Time

	done     chan struct{}
	exitCode int

	mu   sync.Mutex
	tail []string
}

// splitCommand parses a configured command line such as
// "docker run --rm cloudflare/cloudflared" into argv.
func splitCommand(command string) ([]string, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	parsed, err := shellquote.Split(args)
	if err != nil {
		return nil, fmt.Errorf("parsing args %q: %w", args, err)
	}
	return parsed, nil
}

// startProcess launches argv[0] with the remaining arguments. onLine, if not
// nil, is called from the reader goroutine for every output line.
//
// The child is deliberately not bound to a context: it outlives the request
// that started it and is only ended by terminate.
func startProcess(name string, argv []string, onLine func(string)) (*process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("locating %s: %w", argv[0], err)
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv comes from operator configuration
	cmd.Env = os.Environ()
	cmd.WaitDelay = stopTimeout

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	p := &process{
		name:      name,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
	}

	slog.Info("tunnel process started",
		"provider", name,
		"pid", cmd.Process.Pid,
		"command", argv[0])

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		p.scan(pr, onLine)
	}()
	go func() {
		_ = cmd.Wait()
		_ = pw.Close()
		<-scanned

		p.mu.Lock()
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		}
		p.mu.Unlock()

		close(p.done)
		slog.Debug("tunnel process exited",
			"provider", name,
			"pid", cmd.Process.Pid,
			"exit_code", p.ExitCode())
	}()

	return p, nil
}

func (p *process) scan(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		p.record(line)
		slog.Debug("tunnel process output", "provider", p.name, "line", line)
		if onLine != nil {
			onLine(line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Debug("tunnel output scanner error", "provider", p.name, "error", err)
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (p *process) record(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > outputLines {
		p.tail = p.tail[len(p.tail)-outputLines:]
	}
}

// Output returns the most recent output lines joined by newlines.
func (p *process) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "\n")
}

// PID returns the OS process id.
func (p *process) PID() int {
	return p.cmd.Process.Pid
}

// Exited reports whether the process has terminated.
func (p *process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the process has exited and all of its output has
// been passed to onLine.
func (p *process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (p *process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// terminate sends SIGTERM, waits up to timeout, then SIGKILL.
// A process that is already gone is not an error.
func (p *process) terminate(timeout time.Duration) {
	if p.Exited() {
		return
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		slog.Warn("failed to signal tunnel process",
			"provider", p.name,
			"pid", p.PID(),
			"error", err)
	}

	select {
	case <-p.done:
		return
	case <-time.After(timeout):
	}

	slog.Warn("tunnel process did not exit after SIGTERM, killing",
		"provider", p.name,
		"pid", p.PID(),
		"timeout", timeout)

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("failed to kill tunnel process",
			"provider", p.name,
			"pid", p.PID(),
			"error", err)
		return
	}
	<-p.done
}

// humanUptime renders the time since start as e.g. "3 minutes".
func humanUptime(start time.Time) string {
	return strings.TrimSpace(humanize.RelTime(start, time.Now(), "", ""))
}
