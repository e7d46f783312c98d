package tunnel

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/require"
)

// fakeCommand writes a shell script standing in for a vendor CLI and returns
// a command line that runs it through /bin/sh.
func fakeCommand(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o600))
	return shellquote.Join("/bin/sh", path)
}

// readPID waits for a script to record its PID in path.
func readPID(t *testing.T, path string) int {
	t.Helper()

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 2*time.Second, 10*time.Millisecond)
	return pid
}

func processGone(pid int) bool {
	return syscall.Kill(pid, 0) == syscall.ESRCH
}

func syscallKill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
