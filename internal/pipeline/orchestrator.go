package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/asynkron/modpatch/internal/cache"
	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/asynkron/modpatch/pkg/patch"
	"github.com/rs/zerolog"
	"golang.org/x/mod/module"
)

const devNull = "/dev/null"

// Orchestrator rebuilds one working copy from a pristine tree and applies its patches.
type Orchestrator struct {
	// PatchesRoot is the directory descriptor paths are relative to.
	PatchesRoot string
	// OutputDir holds the working copies.
	OutputDir string
	Options   patch.Options
	Logger    zerolog.Logger
	Metrics   metrics.Metrics
}

// WorkingCopyPath returns <output>/<name>@<escaped version>.
func (o *Orchestrator) WorkingCopyPath(name, version string) (string, error) {
	escName, err := cache.EscapePath(name)
	if err != nil {
		return "", err
	}
	escVersion, err := module.EscapeVersion(version)
	if err != nil {
		return "", err
	}
	return filepath.Join(o.OutputDir, filepath.FromSlash(escName)+"@"+escVersion), nil
}

// Run replaces the working copy of spec with a fresh copy of pristine and applies every
// descriptor in order. The first failure aborts the dependency.
func (o *Orchestrator) Run(ctx context.Context, spec ResolvedSpec, pristine string) (*DependencyResult, error) {
	start := time.Now()
	m := metrics.OrNoOp(o.Metrics)
	log := o.Logger.With().Str("dependency", spec.Name).Str("version", spec.Resolved).Logger()

	res := &DependencyResult{
		Name:     spec.Name,
		Module:   spec.ModulePath(),
		Version:  spec.Resolved,
		Pristine: pristine,
	}
	fail := func(descriptor string, err error) (*DependencyResult, error) {
		depErr := &DependencyError{Dependency: spec.Name, Descriptor: descriptor, Err: err}
		res.Status = StatusFailed
		res.Err = depErr
		res.Duration = time.Since(start)
		return res, depErr
	}

	wc, err := o.WorkingCopyPath(spec.Name, spec.Resolved)
	if err != nil {
		return fail("", err)
	}
	res.WorkingCopy = wc
	if err := os.RemoveAll(wc); err != nil {
		return fail("", &IOError{Op: "remove working copy", Path: wc, Err: err})
	}
	if err := copyTree(pristine, wc); err != nil {
		return fail("", err)
	}
	log.Debug().Str("path", wc).Msg("working copy rebuilt")

	for _, d := range spec.Patches {
		if err := ctx.Err(); err != nil {
			return fail(d.Path, err)
		}
		file := filepath.Join(o.PatchesRoot, filepath.FromSlash(d.Path))
		body, err := os.ReadFile(file)
		if err != nil {
			return fail(d.Path, &IOError{Op: opReadPatch, Path: file, Err: err})
		}
		doc, err := patch.Parse(d.Path, string(body), d.Kind)
		if err != nil {
			return fail(d.Path, err)
		}
		results, err := patch.ApplyFilesystem(ctx, doc, patch.FilesystemOptions{Options: o.Options, WorkingDir: wc})
		if err != nil {
			return fail(d.Path, err)
		}

		hunks := 0
		for _, fp := range doc.Files {
			hunks += len(fp.Hunks)
			res.Messages = append(res.Messages, "Patched "+spec.Name+": "+describe(fp))
		}
		for _, r := range results {
			res.Changes = append(res.Changes, Change{Descriptor: d.Path, Status: r.Status, Path: r.Path, OldPath: r.OldPath})
		}
		res.Hunks += hunks
		m.RecordHunks(hunks)
		log.Debug().Str("descriptor", d.Path).Int("files", len(doc.Files)).Int("hunks", hunks).Msg("patch applied")
	}

	res.Status = StatusPatched
	res.Duration = time.Since(start)
	return res, nil
}

// describe renders the location of a file patch: the path for modifications, "old -> new" for
// creations, deletions and renames.
func describe(fp patch.FilePatch) string {
	oldPath, newPath := fp.OldPath, fp.NewPath
	if fp.IsNew || oldPath == "" {
		oldPath = devNull
	}
	if fp.IsDelete || newPath == "" {
		newPath = devNull
	}
	if oldPath == newPath {
		return oldPath
	}
	return oldPath + " -> " + newPath
}

// copyTree copies the regular files and directories of src into dst, keeping permission bits.
func copyTree(src, dst string) error {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
	if err != nil {
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			return err
		}
		return &IOError{Op: "copy pristine tree", Path: src, Err: err}
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
