// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns data in fixed-size slices to exercise buffering of
// incomplete trailing data across reads.
type chunkReader struct {
	data  []byte
	chunk int
	off   int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	end := r.off + r.chunk
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.off:end])
	r.off += n
	return n, nil
}

func TestFramer_SingleFrame(t *testing.T) {
	t.Parallel()

	input := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n"
	f := NewFramer(strings.NewReader(input), 0)

	msg, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "tools/list", msg.Method)
	assert.True(t, msg.IsRequest())

	_, err = f.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramer_MultipleFramesAcrossSmallReads(t *testing.T) {
	t.Parallel()

	var input bytes.Buffer
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&input, `{"jsonrpc":"2.0","id":%d,"method":"m%d"}`+"\n", i, i)
	}

	for _, chunk := range []int{1, 3, 7, 4096} {
		f := NewFramer(&chunkReader{data: input.Bytes(), chunk: chunk}, 0)
		for i := 1; i <= 5; i++ {
			msg, err := f.ReadFrame()
			require.NoError(t, err, "chunk size %d, frame %d", chunk, i)
			assert.Equal(t, fmt.Sprintf("m%d", i), msg.Method)
		}
		_, err := f.ReadFrame()
		assert.ErrorIs(t, err, io.EOF)
	}
}

// frameOfSize builds a valid JSON-RPC request padded to exactly n bytes.
func frameOfSize(t *testing.T, n int) string {
	t.Helper()
	prefix := `{"jsonrpc":"2.0","id":1,"method":"m","params":{"pad":"`
	suffix := `"}}`
	padding := n - len(prefix) - len(suffix)
	require.Positive(t, padding, "requested frame size too small")
	frame := prefix + strings.Repeat("a", padding) + suffix
	require.Len(t, frame, n)
	return frame
}

func TestFramer_FrameAtCapAccepted(t *testing.T) {
	t.Parallel()

	const frameCap = 256
	frame := frameOfSize(t, frameCap)
	f := NewFramer(strings.NewReader(frame+"\n"), frameCap)

	msg, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "m", msg.Method)
}

func TestFramer_FrameOverCapRejected(t *testing.T) {
	t.Parallel()

	const frameCap = 256
	over := frameOfSize(t, frameCap+1)
	follow := `{"jsonrpc":"2.0","id":2,"method":"after"}`
	f := NewFramer(strings.NewReader(over+"\n"+follow+"\n"), frameCap)

	_, err := f.ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// The stream resynchronizes at the next newline.
	msg, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "after", msg.Method)
}

func TestFramer_OversizedFrameInOneChunk(t *testing.T) {
	t.Parallel()

	// The whole oversized line arrives in a single read, newline included.
	const frameCap = 128
	over := frameOfSize(t, frameCap*3)
	follow := `{"jsonrpc":"2.0","id":9,"method":"ok"}`
	f := NewFramer(strings.NewReader(over+"\n"+follow+"\n"), frameCap)

	_, err := f.ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)

	msg, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Method)
}

func TestFramer_MalformedJSONRecoverable(t *testing.T) {
	t.Parallel()

	input := "this is not json\n" + `{"jsonrpc":"2.0","id":1,"method":"ok"}` + "\n"
	f := NewFramer(strings.NewReader(input), 0)

	_, err := f.ReadFrame()
	require.ErrorIs(t, err, ErrMalformedFrame)

	msg, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Method)
}

func TestFramer_WrongVersionRejected(t *testing.T) {
	t.Parallel()

	input := `{"jsonrpc":"1.0","id":1,"method":"old"}` + "\n"
	f := NewFramer(strings.NewReader(input), 0)

	_, err := f.ReadFrame()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFramer_SkipsBlankLinesAndCRLF(t *testing.T) {
	t.Parallel()

	input := "\n\r\n" + `{"jsonrpc":"2.0","id":1,"method":"crlf"}` + "\r\n"
	f := NewFramer(strings.NewReader(input), 0)

	msg, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "crlf", msg.Method)
}

func TestFramer_DeliversBufferedFrameBeforeEOF(t *testing.T) {
	t.Parallel()

	// A reader that returns data and EOF in the same call.
	input := `{"jsonrpc":"2.0","id":4,"method":"tail"}` + "\n"
	f := NewFramer(iotest{data: []byte(input)}, 0)

	msg, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "tail", msg.Method)
}

// iotest returns all data plus io.EOF from a single Read call.
type iotest struct{ data []byte }

func (r iotest) Read(p []byte) (int, error) {
	n := copy(p, r.data)
	return n, io.EOF
}

func TestFrameWriter_AppendsNewline(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewFrameWriter(&buf, 0)

	msg, err := NewRequestMessage("ping", nil, int64(1))
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(msg))

	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestFrameWriter_RejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewFrameWriter(&buf, 64)

	msg, err := NewRequestMessage("m", map[string]string{"pad": strings.Repeat("a", 128)}, int64(1))
	require.NoError(t, err)

	err = w.WriteFrame(msg)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

func TestFrameWriter_ConcurrentWritesStayAtomic(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewFrameWriter(&buf, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			msg, _ := NewRequestMessage("concurrent", map[string]int{"n": id}, int64(id))
			_ = w.WriteFrame(msg)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 20)
	f := NewFramer(strings.NewReader(buf.String()), 0)
	for i := 0; i < 20; i++ {
		msg, err := f.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, "concurrent", msg.Method)
	}
}
