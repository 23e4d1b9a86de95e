// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package restart

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

type (
	// Restarter brings the device up again on the newly selected image
	Restarter interface {
		Restart(ctx context.Context) error
	}

	// Func adapts a function to the Restarter interface
	Func func(ctx context.Context) error

	Reboot  struct{}
	Command struct {
		Args []string
	}
	Exit struct {
		Code int
	}
	None struct{}
)

const (
	MethodReboot  = "reboot"
	MethodCommand = "command"
	MethodExit    = "exit"
	MethodNone    = "none"
)

var exitFunc = os.Exit

func (f Func) Restart(ctx context.Context) error {
	return f(ctx)
}

// New returns the restarter for the given method name. command is a
// whitespace separated argv, used by the "command" method only.
func New(method string, command string) (Restarter, error) {
	switch method {
	case MethodReboot, "":
		return &Reboot{}, nil
	case MethodCommand:
		args := strings.Fields(command)
		if len(args) == 0 {
			return nil, fmt.Errorf("restart method %q requires a command", method)
		}
		return &Command{Args: args}, nil
	case MethodExit:
		return &Exit{}, nil
	case MethodNone:
		return &None{}, nil
	default:
		return nil, fmt.Errorf("unsupported restart method: %s", method)
	}
}

func (r *Reboot) Restart(_ context.Context) error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("failed to reboot: %w", err)
	}
	return nil
}

func (r *Command) Restart(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, r.Args[0], r.Args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("restart command %q failed: %w: %s", strings.Join(r.Args, " "), err, out)
	}
	return nil
}

// Restart exits the process and leaves the restart to the service manager.
func (r *Exit) Restart(_ context.Context) error {
	slog.Info("exiting for restart", "code", r.Code)
	exitFunc(r.Code)
	return nil
}

func (r *None) Restart(_ context.Context) error {
	slog.Warn("restart disabled, the new image becomes active on the next reboot")
	return nil
}
