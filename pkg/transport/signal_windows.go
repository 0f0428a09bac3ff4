// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package transport

import (
	"errors"
	"os"
)

// signalTerm has no graceful equivalent on Windows; the caller's SIGKILL
// step (Process.Kill) is the only termination primitive available.
func signalTerm(proc *os.Process) error {
	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}
