// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tooldeck/tooldeck/pkg/gateway"
)

func TestClockNow(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	c := &ClockPlugin{now: func() time.Time { return fixed }}

	res, err := c.CallTool(context.Background(), "now", map[string]any{"timezone": "UTC"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "2026-03-14T09:26:53Z", res.Text())
	assert.Equal(t, "2026-03-14T09:26:53Z", res.StructuredContent["iso"])
	assert.Equal(t, fixed.Unix(), res.StructuredContent["unix"])
	assert.Equal(t, "UTC", res.StructuredContent["timezone"])
}

func TestClockNowDefaultsToLocalZone(t *testing.T) {
	t.Parallel()

	res, err := NewClockPlugin().CallTool(context.Background(), "now", nil)
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, time.Local.String(), res.StructuredContent["timezone"])
}

func TestClockNowUnknownTimezone(t *testing.T) {
	t.Parallel()

	res, err := NewClockPlugin().CallTool(context.Background(), "now", map[string]any{"timezone": "Mars/Olympus_Mons"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "Mars/Olympus_Mons")
}

func TestClockUnknownTool(t *testing.T) {
	t.Parallel()

	_, err := NewClockPlugin().CallTool(context.Background(), "sleep", nil)
	assert.ErrorIs(t, err, gateway.ErrToolNotFound)
}

func TestClockListTools(t *testing.T) {
	t.Parallel()

	descs, err := NewClockPlugin().ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "now", descs[0].Name)
	assert.NotEmpty(t, descs[0].InputSchema)
}
