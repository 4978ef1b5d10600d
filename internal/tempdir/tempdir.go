// Package tempdir creates and removes the working-directory tree owned by a
// session, optionally shared with a run-as account through group ownership.
package tempdir

import (
	"fmt"
	"os"
	osuser "os/user"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/openjobdescription/sessions/user"
)

// Root returns (and creates if necessary) the top-level directory under which
// session working directories are kept.
func Root() (string, error) {
	var parent string
	if runtime.GOOS == "windows" {
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		parent = filepath.Join(programData, "Amazon")
	} else {
		parent = os.TempDir()
	}
	root := filepath.Join(parent, "OpenJD")
	// Group permissions matter: a run-as account reaches its session's files
	// through the shared group, and group bits override world bits.
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("could not create session root %v: %w", root, err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(root, 0o755); err != nil {
			return "", fmt.Errorf("could not set permissions on session root %v: %w", root, err)
		}
	}
	return root, nil
}

// Dir is one created temporary directory.
type Dir struct {
	Path string
}

// New creates a temporary directory under dir with the given name prefix.
// When runAs is a PosixUser with a Group, the directory's group is changed to
// that group and group rwx bits are set so the run-as account can use it.
func New(dir, prefix string, runAs user.SessionUser) (*Dir, error) {
	if dir == "" {
		var err error
		if dir, err = Root(); err != nil {
			return nil, err
		}
	}
	path, err := os.MkdirTemp(dir, prefix) // 0o700
	if err != nil {
		return nil, fmt.Errorf("could not create temp directory within %v: %w", dir, err)
	}
	d := &Dir{Path: path}
	if posix, ok := runAs.(*user.PosixUser); ok && posix.Group != "" {
		if err := chgrp(path, posix.Group); err != nil {
			_ = os.RemoveAll(path)
			return nil, err
		}
		// Group bits only after the group change succeeded.
		if err := os.Chmod(path, 0o770); err != nil {
			_ = os.RemoveAll(path)
			return nil, fmt.Errorf("could not set permissions on %v: %w", path, err)
		}
	}
	return d, nil
}

// Subdir creates a named subdirectory of parent with the same ownership
// discipline as New.
func Subdir(parent, name string, runAs user.SessionUser) (string, error) {
	path := filepath.Join(parent, name)
	if err := os.Mkdir(path, 0o700); err != nil {
		return "", fmt.Errorf("could not create directory %v: %w", path, err)
	}
	if posix, ok := runAs.(*user.PosixUser); ok && posix.Group != "" {
		if err := chgrp(path, posix.Group); err != nil {
			_ = os.RemoveAll(path)
			return "", err
		}
		if err := os.Chmod(path, 0o770); err != nil {
			_ = os.RemoveAll(path)
			return "", fmt.Errorf("could not set permissions on %v: %w", path, err)
		}
	}
	return path, nil
}

// Cleanup deletes the directory and all of its contents.
func (d *Dir) Cleanup() error {
	if err := os.RemoveAll(d.Path); err != nil {
		return fmt.Errorf("files within temporary directory %v could not be deleted: %w", d.Path, err)
	}
	return nil
}

func chgrp(path, group string) error {
	grp, err := osuser.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("unknown group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("non-numeric gid for group %q: %w", group, err)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return fmt.Errorf("could not change group of %v to %v: %w", path, group, err)
	}
	return nil
}
