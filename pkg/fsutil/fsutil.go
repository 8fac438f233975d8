// Package fsutil writes report files with optional ownership.
package fsutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// OwnerConfig is the numeric owner given to everything written under a
// results directory.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID". An empty string means no ownership change.
func ParseOwner(owner string) (*OwnerConfig, error) {
	if owner == "" {
		return nil, nil
	}

	u, g, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(g, ":") {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(u)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", u)
	}

	gid, err := strconv.Atoi(g)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", g)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

// apply changes ownership of path. Nil owners are a no-op and failures are
// ignored, ownership is best effort.
func (o *OwnerConfig) apply(path string) {
	if o == nil {
		return
	}

	_ = os.Chown(path, o.UID, o.GID)
}

// MkdirAll creates path and any missing parents. Only directories created
// by this call get the owner.
func MkdirAll(path string, perm os.FileMode, owner *OwnerConfig) error {
	var missing []string

	for dir := filepath.Clean(path); ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		missing = append(missing, dir)

		if filepath.Dir(dir) == dir {
			break
		}
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	for i := len(missing) - 1; i >= 0; i-- {
		owner.apply(missing[i])
	}

	return nil
}

// WriteJSON writes v as indented JSON through a temporary file in the same
// directory, so readers never see a partial document.
func WriteJSON(path string, v any, owner *OwnerConfig) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	owner.apply(path)

	return nil
}
