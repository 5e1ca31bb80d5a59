package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs one script in the host's scripting context. Execute is
// only ever called from the drain loop, one script at a time.
type Executor interface {
	Execute(ctx context.Context, script string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, script string) error

func (f ExecutorFunc) Execute(ctx context.Context, script string) error {
	return f(ctx, script)
}

// CommandExecutor pipes each script into an interpreter process, e.g.
// {"blender", "--background", "scene.blend", "--python-expr", "import sys; exec(sys.stdin.read())"}
// or {"python3", "-"}. A non-zero exit fails the script with the tail of
// its stderr as the detail.
type CommandExecutor struct {
	Command []string
	Dir     string
	Env     []string
}

// maxDetail bounds the stderr carried back to the worker.
const maxDetail = 2048

func (e *CommandExecutor) Execute(ctx context.Context, script string) error {
	if len(e.Command) == 0 {
		return errors.New("controller: no interpreter command configured")
	}
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	if e.Env != nil {
		cmd.Env = e.Env
	}
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > maxDetail {
			detail = detail[len(detail)-maxDetail:]
		}
		if detail == "" {
			return fmt.Errorf("%s: %w", e.Command[0], err)
		}
		return errors.New(detail)
	}
	return nil
}
