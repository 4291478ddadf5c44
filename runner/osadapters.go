package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// OSLauncher spawns the jailer/firecracker (or launch-override) command
// as a real child process.
type OSLauncher struct{}

func (OSLauncher) Spawn(ctx context.Context, command string, args []string) (ChildProcess, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}
	return &osChild{cmd: cmd}, nil
}

// osChild wraps exec.Cmd with the non-blocking-poll / signal /
// blocking-reap sequence the monitor loop needs, via unix.Wait4 rather
// than cmd.Wait (which blocks and can only be called once).
type osChild struct {
	cmd    *exec.Cmd
	reaped bool
	status syscall.WaitStatus
}

func (c *osChild) PID() int { return c.cmd.Process.Pid }

func (c *osChild) TryWait() (exited bool, exitCode int, err error) {
	if c.reaped {
		return true, exitStatusCode(c.status), nil
	}
	var status syscall.WaitStatus
	pid, err := unix.Wait4(c.cmd.Process.Pid, &status, unix.WNOHANG, nil)
	if err != nil {
		return false, 0, fmt.Errorf("wait4 %d: %w", c.cmd.Process.Pid, err)
	}
	if pid == 0 {
		return false, 0, nil
	}
	c.reaped = true
	c.status = status
	return true, exitStatusCode(status), nil
}

func (c *osChild) Signal(sig syscall.Signal) error {
	err := c.cmd.Process.Signal(sig)
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err != nil && strings.Contains(err.Error(), "no such process") {
		return nil
	}
	return err
}

func (c *osChild) Wait() (exitCode int, err error) {
	if c.reaped {
		return exitStatusCode(c.status), nil
	}
	var status syscall.WaitStatus
	_, err = unix.Wait4(c.cmd.Process.Pid, &status, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("wait4 %d: %w", c.cmd.Process.Pid, err)
	}
	c.reaped = true
	c.status = status
	return exitStatusCode(status), nil
}

func exitStatusCode(status syscall.WaitStatus) int {
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	if !status.Exited() {
		return 1
	}
	return status.ExitStatus()
}

// OSResolver resolves a binary on PATH and confirms it is a regular,
// executable file.
type OSResolver struct{}

func (OSResolver) Resolve(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", name, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%q is not a regular file", path)
	}
	if info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%q is not executable", path)
	}
	return path, nil
}

// OSFileSystem is a thin os-backed FileSystem adapter.
type OSFileSystem struct{}

func (OSFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileSystem) WriteFile(path string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (OSFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSFileSystem) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (OSFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// OSCgroupReader reads the two cgroup v2 counters the spec samples:
// cpu.stat's usage_usec line and memory.current.
type OSCgroupReader struct{}

func (OSCgroupReader) CPUUsageUsec(cgroupPath string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cpu.stat"))
	if err != nil {
		return 0, fmt.Errorf("read cpu.stat: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse usage_usec: %w", err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("usage_usec not found in cpu.stat")
}

func (OSCgroupReader) MemoryCurrentBytes(cgroupPath string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.current"))
	if err != nil {
		return 0, fmt.Errorf("read memory.current: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory.current: %w", err)
	}
	return n, nil
}
