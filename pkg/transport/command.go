// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"path/filepath"
	"strings"
)

// allowedRuntimes is the set of base commands a stdio provider may use.
// Providers are language or container runtimes, not arbitrary binaries;
// anything else must be launched through one of these.
var allowedRuntimes = map[string]struct{}{
	"node":    {},
	"npx":     {},
	"python":  {},
	"python3": {},
	"uv":      {},
	"uvx":     {},
	"deno":    {},
	"bun":     {},
	"ruby":    {},
	"java":    {},
	"go":      {},
	"docker":  {},
	"podman":  {},
	"sh":      {},
	"bash":    {},
}

// shellRuntimes are allow-listed runtimes that can evaluate an inline
// command string; for these the command-string flag is rejected.
var shellRuntimes = map[string]struct{}{
	"sh":   {},
	"bash": {},
}

// shellMetachars are the characters that enable injection through a shell
// or confuse argv splitting. They are banned from the command and from
// every argument.
const shellMetachars = ";&|`$()<>\n\r\t\x00"

// ValidateCommand checks a stdio provider command line before it is ever
// spawned. It enforces the runtime allow-list, rejects shell metacharacters
// in the command and all arguments, rejects inline shell command strings
// (-c and friends), and rejects parent-directory path traversal.
func ValidateCommand(command string, args []string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}

	if strings.ContainsAny(command, shellMetachars) {
		return fmt.Errorf("%w: command %q contains shell metacharacters", ErrInvalidCommand, command)
	}
	if strings.Contains(command, "../") {
		return fmt.Errorf("%w: command %q contains path traversal", ErrInvalidCommand, command)
	}

	base := baseCommand(command)
	if _, ok := allowedRuntimes[base]; !ok {
		return fmt.Errorf("%w: %q is not an allowed runtime", ErrInvalidCommand, base)
	}

	_, isShell := shellRuntimes[base]
	for i, arg := range args {
		if strings.ContainsAny(arg, shellMetachars) {
			return fmt.Errorf("%w: argument %d contains shell metacharacters", ErrInvalidCommand, i)
		}
		if strings.Contains(arg, "../") {
			return fmt.Errorf("%w: argument %d contains path traversal", ErrInvalidCommand, i)
		}
		if isShell && isCommandStringFlag(arg) {
			return fmt.Errorf("%w: shell %q with inline command string is not allowed", ErrInvalidCommand, base)
		}
	}

	return nil
}

// baseCommand strips the directory and a Windows .exe suffix and lowers
// the result, so "/usr/bin/Python3" and "python3.exe" both resolve to
// "python3".
func baseCommand(command string) string {
	base := strings.ToLower(filepath.Base(command))
	return strings.TrimSuffix(base, ".exe")
}

// isCommandStringFlag reports whether arg passes an inline command string
// to a shell.
func isCommandStringFlag(arg string) bool {
	switch strings.ToLower(arg) {
	case "-c", "--command", "-command":
		return true
	default:
		return false
	}
}
