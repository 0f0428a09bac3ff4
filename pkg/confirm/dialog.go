// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package confirm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tooldeck/tooldeck/pkg/logger"
)

// DefaultDialogTimeout bounds the native modal; past it the answer is
// ActionPending.
const DefaultDialogTimeout = 2 * time.Minute

const dialogTitle = "Tooldeck"

// NativeDialog asks through the platform's modal tool: zenity on Linux,
// osascript on macOS, PowerShell on Windows. A modal can only carry the
// message, so verdicts never have content.
type NativeDialog struct {
	timeout time.Duration

	// run executes one prompt command; a field so tests can fake the
	// platform tools.
	run func(ctx context.Context, name string, args ...string) (string, int, error)
}

// NewNativeDialog builds a dialog with the given timeout; zero selects the
// default.
func NewNativeDialog(timeout time.Duration) *NativeDialog {
	if timeout <= 0 {
		timeout = DefaultDialogTimeout
	}
	return &NativeDialog{timeout: timeout, run: runDialogCommand}
}

// Ask shows the modal and maps the tool's verdict onto an Action. A dialog
// that outlives the timeout reports ActionPending so the caller can tell the
// user to retry.
func (d *NativeDialog) Ask(ctx context.Context, message string) (Action, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var action Action
	var err error
	switch runtime.GOOS {
	case "darwin":
		action, err = d.askDarwin(ctx, message)
	case "windows":
		action, err = d.askWindows(ctx, message)
	default:
		action, err = d.askZenity(ctx, message)
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Debugw("native dialog timed out", "timeout", d.timeout)
			return ActionPending, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return action, nil
}

func (d *NativeDialog) askZenity(ctx context.Context, message string) (Action, error) {
	args := []string{
		"--question",
		"--title=" + dialogTitle,
		"--text=" + message,
		"--ok-label=Allow",
		"--cancel-label=Don't Allow",
		"--timeout=" + strconv.Itoa(d.timeoutSeconds()),
	}
	_, code, err := d.run(ctx, "zenity", args...)
	switch code {
	case 0:
		return ActionAccept, nil
	case 1:
		// Decline and window-close are the same exit code; zenity cannot
		// tell them apart.
		return ActionDecline, nil
	case 5:
		return ActionPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("zenity failed: %w", err)
	}
	return "", fmt.Errorf("zenity exited with unexpected code %d", code)
}

func (d *NativeDialog) askDarwin(ctx context.Context, message string) (Action, error) {
	script := fmt.Sprintf(
		`display dialog %s with title %s buttons {"Don't Allow", "Allow"} default button "Allow" cancel button "Don't Allow" giving up after %d`,
		appleScriptString(message), appleScriptString(dialogTitle), d.timeoutSeconds())

	out, code, err := d.run(ctx, "osascript", "-e", script)
	switch {
	case code == 0 && strings.Contains(out, "gave up:true"):
		return ActionPending, nil
	case code == 0:
		return ActionAccept, nil
	case code == 1:
		// The cancel button is "Don't Allow", so Escape and the button are
		// both a decline.
		return ActionDecline, nil
	}
	if err != nil {
		return "", fmt.Errorf("osascript failed: %w", err)
	}
	return "", fmt.Errorf("osascript exited with unexpected code %d", code)
}

func (d *NativeDialog) askWindows(ctx context.Context, message string) (Action, error) {
	script := fmt.Sprintf(
		"Add-Type -AssemblyName PresentationFramework; [System.Windows.MessageBox]::Show(%s, %s, 'YesNoCancel', 'Question')",
		powershellString(message), powershellString(dialogTitle))

	out, _, err := d.run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	switch strings.TrimSpace(out) {
	case "Yes":
		return ActionAccept, nil
	case "No":
		return ActionDecline, nil
	case "Cancel":
		return ActionCancel, nil
	}
	if err != nil {
		return "", fmt.Errorf("powershell dialog failed: %w", err)
	}
	return "", fmt.Errorf("unexpected dialog answer %q", strings.TrimSpace(out))
}

func (d *NativeDialog) timeoutSeconds() int {
	secs := int(d.timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// appleScriptString renders s as a quoted AppleScript string literal.
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// powershellString renders s as a single-quoted PowerShell string literal.
func powershellString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// runDialogCommand executes one platform tool, returning its stdout and exit
// code. Exit code -1 means the process failed to run or was killed.
func runDialogCommand(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	return stdout.String(), code, err
}
