// Shell commands run through os/exec with the step's command string,
// stdout/stderr captured separately, and the process exit code
// surfaced directly.
package adapter

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/sintraprime/ger/internal/model"
)

// Shell runs model.ActionShellRun steps via os/exec.
type Shell struct {
	// Shell is the interpreter used to run the command (default "/bin/sh").
	Shell string
}

// Run implements Adapter.
func (s Shell) Run(ctx context.Context, step model.Step) (Result, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmdStr, _ := step.Attributes["cmd"].(string)
	if cmdStr == "" {
		cmdStr, _ = step.Payload["cmd"].(string)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, shell, "-c", cmdStr)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Duration: duration}, ctx.Err()
		} else {
			return Result{ExitCode: -1, Duration: duration}, err
		}
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}
