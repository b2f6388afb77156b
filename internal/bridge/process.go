package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PromptMode selects how the prompt reaches the tool.
type PromptMode string

const (
	// PromptArg appends the prompt as the last command-line argument.
	PromptArg PromptMode = "arg"
	// PromptStdin writes the prompt to standard input (or the terminal).
	PromptStdin PromptMode = "stdin"
)

// Launch describes how to start a CLI tool.
type Launch struct {
	// Tool selects the output interpreter variant.
	Tool       string
	Command    string
	Args       []string
	Env        map[string]string
	Dir        string
	PTY        bool
	PromptMode PromptMode
}

// process is a running tool whose combined output is readable from out.
type process struct {
	cmd *exec.Cmd
	out io.ReadCloser
}

// start spawns the tool described by l with prompt. The child runs in its
// own process group; when ctx is done the whole group is killed.
func start(ctx context.Context, l Launch, prompt string) (*process, error) {
	args := append([]string(nil), l.Args...)
	mode := l.PromptMode
	if mode == "" {
		mode = PromptArg
	}
	if mode == PromptArg {
		args = append(args, prompt)
	}

	cmd := exec.CommandContext(ctx, l.Command, args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range l.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Cancel = func() error {
		return killGroup(cmd)
	}
	cmd.WaitDelay = 2 * time.Second

	if l.PTY {
		return startPTY(cmd, mode, prompt)
	}
	return startPipes(cmd, mode, prompt)
}

// startPTY runs cmd on a pseudo-terminal. pty.Start makes the child a
// session leader, so its process group ID equals its PID.
func startPTY(cmd *exec.Cmd, mode PromptMode, prompt string) (*process, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 200, Rows: 50})
	if err != nil {
		return nil, fmt.Errorf("pty start %s: %w", cmd.Path, err)
	}
	if mode == PromptStdin {
		if _, err := io.WriteString(ptmx, prompt+"\r"); err != nil {
			killGroup(cmd)
			ptmx.Close()
			return nil, fmt.Errorf("write prompt: %w", err)
		}
	}
	return &process{cmd: cmd, out: ptmx}, nil
}

// startPipes runs cmd with stdout and stderr merged into one pipe.
func startPipes(cmd *exec.Cmd, mode PromptMode, prompt string) (*process, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	var stdin io.WriteCloser
	if mode == PromptStdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			r.Close()
			w.Close()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	// The child holds its own copy; ours must close so EOF arrives on exit.
	w.Close()

	if stdin != nil {
		io.WriteString(stdin, prompt+"\n")
		stdin.Close()
	}
	return &process{cmd: cmd, out: r}, nil
}

// killGroup sends SIGKILL to every process in cmd's process group.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// stop kills the process group, closes the output and reaps the child.
func (p *process) stop() {
	killGroup(p.cmd)
	p.out.Close()
	p.cmd.Wait()
}
