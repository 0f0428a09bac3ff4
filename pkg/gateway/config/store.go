// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/logger"
)

// lockTimeout is the maximum time to wait for the profile file lock.
const lockTimeout = time.Second

// ProfileStore reads and writes profile documents in one directory.
// Mutations run under a sidecar file lock so the deck tools and external
// editors do not tear each other's writes.
type ProfileStore struct {
	dir string
}

// NewProfileStore opens the store over the xdg state directory.
func NewProfileStore() (*ProfileStore, error) {
	dir, err := ProfilesDir()
	if err != nil {
		return nil, err
	}
	return &ProfileStore{dir: dir}, nil
}

// NewProfileStoreAt opens the store over a specific directory.
func NewProfileStoreAt(dir string) *ProfileStore {
	return &ProfileStore{dir: dir}
}

// Path returns the file path for a named profile.
func (s *ProfileStore) Path(name string) (string, error) {
	if err := ValidateProfileName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name+".json"), nil
}

// Exists reports whether the named profile has a file.
func (s *ProfileStore) Exists(name string) (bool, error) {
	path, err := s.Path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking profile %s: %w", path, err)
	}
	return true, nil
}

// Load reads the named profile. A profile without a file is an empty deck,
// not an error; nothing is written until the first mutation.
func (s *ProfileStore) Load(_ context.Context, name string) (*Profile, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debugf("profile %q has no file yet, starting empty", name)
			return DefaultProfile(), nil
		}
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: profile %q is not valid JSON: %v", gateway.ErrInvalidConfig, name, err)
	}
	if p.Providers == nil {
		p.Providers = []gateway.ProviderConfig{}
	}
	return &p, nil
}

// Save validates and writes the profile. The write goes through a
// temporary file and rename so a concurrent Load never sees a torn
// document.
func (s *ProfileStore) Save(_ context.Context, name string, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating profile directory %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing profile %q: %w", name, err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing profile %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing profile %s: %w", path, err)
	}
	return nil
}

// Update applies fn to the named profile under the file lock and persists
// the result. fn returning an error abandons the update.
func (s *ProfileStore) Update(ctx context.Context, name string, fn func(*Profile) error) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating profile directory %s: %w", s.dir, err)
	}

	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking profile %q: %w", name, err)
	}
	if !locked {
		return fmt.Errorf("locking profile %q: timeout after %v", name, lockTimeout)
	}
	defer fileLock.Unlock()

	p, err := s.Load(ctx, name)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	return s.Save(ctx, name, p)
}
