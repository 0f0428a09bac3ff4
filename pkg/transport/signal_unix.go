// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package transport

import (
	"errors"
	"os"
	"syscall"
)

// signalTerm asks the child to terminate gracefully.
func signalTerm(proc *os.Process) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Process might already be dead.
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}
