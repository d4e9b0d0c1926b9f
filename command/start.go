package command

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the process
// exits; dev servers leave grandchildren holding the pipe.
const waitDelay = 2 * time.Second

// Start launches the command with stdout and stderr merged into the
// returned Process.
func (c *Command) Start() (*Process, error) {
	cmd := c.Exec()
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		c.cancel()
		pw.Close()
		pr.Close()
		return nil, err
	}

	proc := NewProcess(c.cancel)

	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			proc.Emit(scanner.Text())
		}
		proc.CloseOutput()
		// Keep draining so the writer never blocks on an over-long line.
		io.Copy(io.Discard, pr)
	}()

	go func() {
		err := cmd.Wait()
		pw.Close()
		c.cancel()
		proc.Resolve(ExitCode(err))
	}()

	return proc, nil
}

// Run starts the command and collects its output.
func (c *Command) Run() (string, int, error) {
	proc, err := c.Start()
	if err != nil {
		return "", -1, err
	}
	// c.ctx is cancelled as soon as the process exits, so it cannot bound Collect.
	return proc.Collect(context.Background())
}

// ExitCode maps a Wait error to an exit code. A non-zero exit is not an
// error; only failures to run or wait are returned.
func ExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}
	return -1, err
}
