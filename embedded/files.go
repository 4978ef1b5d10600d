// Package embedded materializes a script's embedded files to disk for the
// lifetime of one action, and records their on-disk locations in the action's
// symbol scope.
package embedded

import (
	"context"
	"fmt"
	"os"
	osuser "os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/viant/afs"

	"github.com/openjobdescription/sessions/internal/idgen"
	"github.com/openjobdescription/sessions/model"
	"github.com/openjobdescription/sessions/sink"
	"github.com/openjobdescription/sessions/user"
)

// Scope selects which symbol prefix materialized files are referenced by.
type Scope string

const (
	ScopeEnv  Scope = "environment"
	ScopeStep Scope = "step"
)

func (s Scope) symbolPrefix() string {
	if s == ScopeEnv {
		return model.SymbolEnvFilePrefix
	}
	return model.SymbolTaskFilePrefix
}

// Files writes embedded files into a session's files directory.
type Files struct {
	fs       afs.Service
	logger   *sink.Logger
	scope    Scope
	dir      string
	runAs    user.SessionUser
	resolver model.Resolver
}

// New returns a materializer writing into dir. runAs may be nil.
func New(logger *sink.Logger, scope Scope, dir string, runAs user.SessionUser, resolver model.Resolver) *Files {
	if resolver == nil {
		resolver = model.FormatStringResolver{}
	}
	return &Files{
		fs:       afs.New(),
		logger:   logger,
		scope:    scope,
		dir:      dir,
		runAs:    runAs,
		resolver: resolver,
	}
}

// Materialize writes every file to disk and adds a symbol per file mapping
// its logical name to the on-disk path. It returns the written paths so the
// caller can release them when the action reaches a terminal status.
func (f *Files) Materialize(ctx context.Context, files []model.EmbeddedFile, symbols model.SymbolTable) ([]string, error) {
	if f.scope == ScopeEnv {
		f.logger.Infof("Writing embedded files for Environment to disk.")
	} else {
		f.logger.Infof("Writing embedded files for Task to disk.")
	}

	type record struct {
		symbol   string
		filename string
		file     model.EmbeddedFile
	}
	records := make([]record, 0, len(files))
	for _, file := range files {
		name := file.Filename
		if name == "" {
			name = "file-" + idgen.New()
		}
		records = append(records, record{
			symbol:   fmt.Sprintf("%s.%s", f.scope.symbolPrefix(), file.Name),
			filename: filepath.Join(f.dir, name),
			file:     file,
		})
	}

	// All symbols are in place before any content is resolved, so files may
	// reference each other's locations.
	for _, r := range records {
		symbols[r.symbol] = r.filename
		f.logger.Infof("Mapping: %s -> %s", r.symbol, r.filename)
	}

	written := make([]string, 0, len(records))
	for _, r := range records {
		data, err := f.resolver.Resolve(r.file.Data, symbols)
		if err != nil {
			return written, fmt.Errorf("error resolving embedded file %v: %w", r.file.Name, err)
		}
		var extra os.FileMode
		if r.file.Runnable {
			extra = 0o110
		}
		if err := WriteFileForUser(ctx, f.fs, r.filename, data, f.runAs, extra); err != nil {
			return written, fmt.Errorf("could not write embedded file: %w", err)
		}
		written = append(written, r.filename)
		f.logger.Infof("Wrote: %s -> %s", r.file.Name, r.filename)
	}
	return written, nil
}

// Release deletes previously materialized files. Missing files are ignored.
func (f *Files) Release(ctx context.Context, paths []string) {
	for _, path := range paths {
		if ok, _ := f.fs.Exists(ctx, path); !ok {
			continue
		}
		if err := f.fs.Delete(ctx, path); err != nil {
			f.logger.Warnf("could not release embedded file %v: %v", path, err)
		}
	}
}

// WriteFileForUser writes data to path readable and writable by the owner
// only, then widens the permissions to the run-as account's group when one is
// given. extraPerm contributes additional owner/group bits (for example
// execute permissions).
func WriteFileForUser(ctx context.Context, fs afs.Service, path, data string, runAs user.SessionUser, extraPerm os.FileMode) error {
	mode := os.FileMode(0o600) | (extraPerm & 0o700)
	if err := fs.Upload(ctx, path, mode, strings.NewReader(data)); err != nil {
		return err
	}
	posix, ok := runAs.(*user.PosixUser)
	if !ok || posix.Group == "" {
		return nil
	}
	grp, err := osuser.LookupGroup(posix.Group)
	if err != nil {
		return fmt.Errorf("unknown group %q: %w", posix.Group, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("non-numeric gid for group %q: %w", posix.Group, err)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return fmt.Errorf("could not change group of %v: %w", path, err)
	}
	// Group bits only after the group change succeeded.
	mode |= 0o060 | (extraPerm & 0o070)
	return os.Chmod(path, mode)
}
