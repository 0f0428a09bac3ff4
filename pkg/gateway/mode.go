// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import "fmt"

// Mode selects which synthesized tools the gateway exposes to the host.
// Exactly one mode is active for the lifetime of the process.
type Mode string

const (
	// ModeFindRun exposes find and run: semantic discovery plus direct
	// dispatch of a single tool per call.
	ModeFindRun Mode = "find+run"

	// ModeFindCode exposes find and code: discovery plus scripted
	// orchestration in the sandbox.
	ModeFindCode Mode = "find+code"

	// ModeCodeOnly exposes only code; scripts discover tools through the
	// sandbox's do() helper.
	ModeCodeOnly Mode = "code-only"

	// DefaultMode applies when no mode is configured.
	DefaultMode = ModeFindRun
)

// ParseMode validates a mode string from a flag or environment knob.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFindRun, ModeFindCode, ModeCodeOnly:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: unknown mode %q (want find+run, find+code or code-only)", ErrInvalidConfig, s)
}

// ExposesFind reports whether the find tool is part of the surface.
func (m Mode) ExposesFind() bool {
	return m == ModeFindRun || m == ModeFindCode
}

// ExposesRun reports whether the run tool is part of the surface.
func (m Mode) ExposesRun() bool {
	return m == ModeFindRun
}

// ExposesCode reports whether the code tool is part of the surface.
func (m Mode) ExposesCode() bool {
	return m == ModeFindCode || m == ModeCodeOnly
}
