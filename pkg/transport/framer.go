// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultFrameCap is the maximum accepted frame size. A frame of exactly
// this many bytes is accepted; one byte more is rejected.
const DefaultFrameCap = 16 * 1024 * 1024

// readChunkSize is the unit of raw reads feeding the frame buffer.
const readChunkSize = 4096

// Framer turns a byte stream into newline-delimited JSON-RPC frames.
// Incomplete trailing data is buffered across reads. It is not safe for
// concurrent use; each connection owns one reader goroutine.
type Framer struct {
	r        io.Reader
	buffer   bytes.Buffer
	chunk    []byte
	frameCap int

	// skipping is set after an oversized frame: bytes are discarded
	// until the terminating newline so the stream can resynchronize.
	skipping bool
}

// NewFramer creates a framer over r. A frameCap of zero selects
// DefaultFrameCap.
func NewFramer(r io.Reader, frameCap int) *Framer {
	if frameCap <= 0 {
		frameCap = DefaultFrameCap
	}
	return &Framer{
		r:        r,
		chunk:    make([]byte, readChunkSize),
		frameCap: frameCap,
	}
}

// ReadFrame returns the next complete frame. Oversized frames return
// ErrFrameTooLarge and are discarded up to their newline; malformed JSON
// returns ErrMalformedFrame with the line discarded. Both leave the framer
// usable for subsequent frames. io.EOF is returned once the underlying
// stream ends and the buffer holds no complete frame.
func (f *Framer) ReadFrame() (*JSONRPCMessage, error) {
	for {
		if msg, ok, err := f.nextBuffered(); ok {
			return msg, err
		}

		n, err := f.r.Read(f.chunk)
		if n > 0 {
			f.buffer.Write(f.chunk[:n])
		}
		if err != nil {
			// Deliver anything already buffered before surfacing EOF.
			if msg, ok, ferr := f.nextBuffered(); ok {
				return msg, ferr
			}
			return nil, err
		}
	}
}

// nextBuffered extracts one frame from the buffer if a complete line (or an
// over-cap partial) is available. ok reports whether the caller should
// return instead of reading more bytes.
func (f *Framer) nextBuffered() (msg *JSONRPCMessage, ok bool, err error) {
	for {
		data := f.buffer.Bytes()
		idx := bytes.IndexByte(data, '\n')

		if f.skipping {
			if idx < 0 {
				// Still inside the oversized frame.
				f.buffer.Reset()
				return nil, false, nil
			}
			f.buffer.Next(idx + 1)
			f.skipping = false
			continue
		}

		if idx < 0 {
			if f.buffer.Len() > f.frameCap {
				f.buffer.Reset()
				f.skipping = true
				return nil, true, fmt.Errorf("%w: partial frame already over %d bytes", ErrFrameTooLarge, f.frameCap)
			}
			return nil, false, nil
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		f.buffer.Next(idx + 1)

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(line) > f.frameCap {
			return nil, true, fmt.Errorf("%w: frame is %d bytes, cap %d", ErrFrameTooLarge, len(line), f.frameCap)
		}

		var parsed JSONRPCMessage
		if uerr := json.Unmarshal(line, &parsed); uerr != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrMalformedFrame, uerr)
		}
		if verr := parsed.Validate(); verr != nil {
			return nil, true, verr
		}
		return &parsed, true, nil
	}
}

// FrameWriter emits newline-terminated frames atomically: each frame is
// marshaled once and written in a single call under a mutex, so concurrent
// senders never interleave bytes.
type FrameWriter struct {
	mu       sync.Mutex
	w        io.Writer
	frameCap int
}

// NewFrameWriter creates a frame writer over w. A frameCap of zero selects
// DefaultFrameCap.
func NewFrameWriter(w io.Writer, frameCap int) *FrameWriter {
	if frameCap <= 0 {
		frameCap = DefaultFrameCap
	}
	return &FrameWriter{w: w, frameCap: frameCap}
}

// WriteFrame marshals msg and writes it followed by a newline.
func (fw *FrameWriter) WriteFrame(msg *JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(data) > fw.frameCap {
		return fmt.Errorf("%w: outbound frame is %d bytes, cap %d", ErrFrameTooLarge, len(data), fw.frameCap)
	}
	data = append(data, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
