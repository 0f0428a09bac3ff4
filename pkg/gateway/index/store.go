// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/tooldeck/tooldeck/pkg/logger"
)

// lockTimeout is the maximum time to wait for the cache file lock.
const lockTimeout = 1 * time.Second

// Meta describes the persisted vector set for one profile.
type Meta struct {
	Fingerprint  string     `json:"fingerprint"`
	ModelID      string     `json:"modelId"`
	TotalTools   int        `json:"totalTools"`
	IndexedTools int        `json:"indexedTools"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Complete reports whether the persisted set covered the whole catalog when
// it was written.
func (m *Meta) Complete() bool {
	return m.CompletedAt != nil && m.IndexedTools == m.TotalTools
}

// Row is one persisted embedding record. The hashes tie the vector to the
// exact description and schema it was computed from, which is what makes
// partial reuse across fingerprints safe.
type Row struct {
	QualifiedName string
	DescHash      string
	SchemaHash    string
	ModelID       string
	Vector        []float32
}

// Store persists the embedding cache for one profile as two files in the
// cache dir: <profile>-meta.json and <profile>-tools.csv. The CSV is
// append-only between resets, so a crash mid-append loses at most the torn
// tail row.
type Store struct {
	metaPath string
	vecPath  string
	lock     *flock.Flock
}

// NewStore creates the cache dir if needed and returns the store.
func NewStore(dir, profile string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Store{
		metaPath: filepath.Join(dir, profile+"-meta.json"),
		vecPath:  filepath.Join(dir, profile+"-tools.csv"),
		lock:     flock.New(filepath.Join(dir, profile+".lock")),
	}, nil
}

// Load reads the persisted metadata and rows. A missing cache returns
// (nil, nil, nil); unreadable metadata discards the cache; a torn CSV tail
// keeps every row before the tear.
func (s *Store) Load(ctx context.Context) (*Meta, []Row, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer s.lock.Unlock() //nolint:errcheck

	data, err := os.ReadFile(s.metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read embedding metadata: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		logger.Warnw("embedding metadata unreadable, discarding cache", "path", s.metaPath, "error", err)
		return nil, nil, nil
	}

	rows, err := s.readRows()
	if err != nil {
		return nil, nil, err
	}
	return &meta, rows, nil
}

func (s *Store) readRows() ([]Row, error) {
	f, err := os.Open(s.vecPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open vector file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 6

	var rows []Row
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			logger.Warnw("vector file has a torn tail, keeping rows before it",
				"path", s.vecPath, "rows", len(rows), "error", err)
			return rows, nil
		}

		row, err := parseRow(fields)
		if err != nil {
			logger.Warnw("vector file row unreadable, keeping rows before it",
				"path", s.vecPath, "rows", len(rows), "error", err)
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// Reset rewrites both files wholesale. Used when a new fingerprint carries
// over only a subset of the old rows.
func (s *Store) Reset(ctx context.Context, meta Meta, rows []Row) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock() //nolint:errcheck

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := w.Write(encodeRow(row)); err != nil {
			return fmt.Errorf("failed to encode vector row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode vector rows: %w", err)
	}

	if err := atomicWrite(s.vecPath, []byte(buf.String())); err != nil {
		return err
	}
	return s.writeMeta(meta)
}

// Append adds freshly embedded rows and stamps the updated counts.
func (s *Store) Append(ctx context.Context, meta Meta, rows []Row) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock() //nolint:errcheck

	f, err := os.OpenFile(s.vecPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open vector file for append: %w", err)
	}

	w := csv.NewWriter(f)
	for _, row := range rows {
		if err := w.Write(encodeRow(row)); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to append vector row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append vector rows: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync vector file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close vector file: %w", err)
	}

	return s.writeMeta(meta)
}

// WriteMeta updates the metadata alone, e.g. to stamp completedAt.
func (s *Store) WriteMeta(ctx context.Context, meta Meta) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock() //nolint:errcheck
	return s.writeMeta(meta)
}

func (s *Store) writeMeta(meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode embedding metadata: %w", err)
	}
	return atomicWrite(s.metaPath, data)
}

func (s *Store) acquire(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire cache lock: timeout after %v", lockTimeout)
	}
	return nil
}

// atomicWrite lands data via a temp file and rename so readers never see a
// half-written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func encodeRow(row Row) []string {
	return []string{
		row.QualifiedName,
		row.DescHash,
		row.SchemaHash,
		row.ModelID,
		strconv.Itoa(len(row.Vector)),
		encodeVector(row.Vector),
	}
}

func parseRow(fields []string) (Row, error) {
	dim, err := strconv.Atoi(fields[4])
	if err != nil {
		return Row{}, fmt.Errorf("bad dimension %q: %w", fields[4], err)
	}
	vec, err := decodeVector(fields[5])
	if err != nil {
		return Row{}, err
	}
	if len(vec) != dim {
		return Row{}, fmt.Errorf("vector for %s has %d values, header says %d", fields[0], len(vec), dim)
	}
	return Row{
		QualifiedName: fields[0],
		DescHash:      fields[1],
		SchemaHash:    fields[2],
		ModelID:       fields[3],
		Vector:        vec,
	}, nil
}

// encodeVector uses the shortest float32 round-trip form so a vector read
// back is bitwise identical to the one written.
func encodeVector(vec []float32) string {
	var b strings.Builder
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	return b.String()
}

func decodeVector(s string) ([]float32, error) {
	fields := strings.Fields(s)
	vec := make([]float32, len(fields))
	for i, field := range fields {
		f, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return nil, fmt.Errorf("bad vector value %q: %w", field, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
