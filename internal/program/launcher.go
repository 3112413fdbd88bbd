package program

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/mkock/roster/internal/config"
)

// Launcher creates and signals the OS process behind a Program.
type Launcher interface {
	// Launch starts the configured command with stdout and stderr connected to out and returns its pid. The process
	// is not waited for: the daemon reaps it and reports the status through Program.OnTerminate.
	Launch(cfg config.Program, out io.Writer) (int, error)
	// Signal delivers sig to the process (group) of pid.
	Signal(pid int, sig syscall.Signal) error
}

// ExecLauncher launches commands with os/exec, each in its own process group.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(cfg config.Program, out io.Writer) (int, error) {
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Environ()
	cmd.Stdout = keepWriting{out}
	cmd.Stderr = cmd.Stdout
	// Own process group, so that terminal signals aimed at the daemon don't reach the children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %q: %w", cfg.Command[0], err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// Signal implements Launcher.
func (ExecLauncher) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return fmt.Errorf("signal %s to %d: %w", sig, pid, err)
	}
	return nil
}

// keepWriting hides write errors from the copy goroutines of os/exec, which would otherwise stop draining the pipe and
// leave the child blocked on a full pipe.
type keepWriting struct {
	w io.Writer
}

func (k keepWriting) Write(p []byte) (int, error) {
	_, _ = k.w.Write(p)
	return len(p), nil
}
