package cache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/asynkron/modpatch/internal/fetch"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// extractor unpacks one archive into a directory, enforcing the entry and size rules.
type extractor struct {
	modPath string
	version string
	limit   int64
	written int64
}

func (x *extractor) fail(reason string, err error) error {
	return &ExtractionError{Module: x.modPath, Version: x.version, Reason: reason, Err: err}
}

func (x *extractor) extract(format fetch.Format, archive, dst string) error {
	switch format {
	case fetch.FormatModuleZip:
		return x.extractZip(archive, dst, x.modPath+"@"+x.version+"/")
	case fetch.FormatZip:
		return x.extractStripped(dst, func(raw string) error { return x.extractZip(archive, raw, "") })
	case fetch.FormatTarGz:
		return x.extractStripped(dst, func(raw string) error {
			return x.withFile(archive, func(f *os.File) error {
				zr, err := gzip.NewReader(f)
				if err != nil {
					return x.fail("invalid gzip stream", err)
				}
				defer zr.Close()
				return x.extractTar(zr, raw)
			})
		})
	case fetch.FormatTarZst:
		return x.extractStripped(dst, func(raw string) error {
			return x.withFile(archive, func(f *os.File) error {
				zr, err := zstd.NewReader(f)
				if err != nil {
					return x.fail("invalid zstd stream", err)
				}
				defer zr.Close()
				return x.extractTar(zr, raw)
			})
		})
	}
	return x.fail(fmt.Sprintf("unsupported archive format %q", format), nil)
}

func (x *extractor) withFile(name string, fn func(*os.File) error) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

// extractStripped unpacks into a scratch directory and drops a single common top-level
// directory, as source archives of git hosts carry one ("repo-1.2.0/").
func (x *extractor) extractStripped(dst string, unpack func(raw string) error) error {
	raw := dst + ".raw"
	if err := os.MkdirAll(raw, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(raw)
	if err := unpack(raw); err != nil {
		return err
	}
	entries, err := os.ReadDir(raw)
	if err != nil {
		return err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return os.Rename(filepath.Join(raw, entries[0].Name()), dst)
	}
	return os.Rename(raw, dst)
}

func (x *extractor) extractZip(archive, dst, prefix string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return x.fail("invalid zip archive", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, f := range zr.File {
		name := f.Name
		if prefix != "" {
			if !strings.HasPrefix(name, prefix) {
				return x.fail(fmt.Sprintf("entry %q is outside %s", name, prefix), nil)
			}
			name = strings.TrimPrefix(name, prefix)
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if name == "" {
				continue
			}
			rel, err := x.entryPath(name)
			if err != nil {
				return err
			}
			if rel != "." {
				if err := os.MkdirAll(filepath.Join(dst, rel), 0o755); err != nil {
					return err
				}
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return x.fail(fmt.Sprintf("cannot read entry %q", f.Name), err)
			}
			err = x.writeEntry(dst, name, mode, rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *extractor) extractTar(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return x.fail("invalid tar stream", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			rel, err := x.entryPath(hdr.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(dst, rel), 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.writeEntry(dst, hdr.Name, fs.FileMode(hdr.Mode), tr); err != nil {
				return err
			}
		}
	}
}

// entryPath validates an archive entry name and returns it as a local relative path.
func (x *extractor) entryPath(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", x.fail(fmt.Sprintf("illegal entry path %q", name), nil)
	}
	clean := path.Clean(name)
	rel := filepath.FromSlash(clean)
	if !filepath.IsLocal(rel) {
		return "", x.fail(fmt.Sprintf("illegal entry path %q", name), nil)
	}
	return rel, nil
}

func (x *extractor) writeEntry(dst, name string, mode fs.FileMode, r io.Reader) error {
	rel, err := x.entryPath(name)
	if err != nil {
		return err
	}
	target := filepath.Join(dst, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	perm := fs.FileMode(0o644)
	if mode&0o111 != 0 {
		perm = 0o755
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	n, copyErr := io.CopyN(f, r, x.limit-x.written+1)
	x.written += n
	closeErr := f.Close()
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return x.fail(fmt.Sprintf("cannot write %s", name), copyErr)
	}
	if closeErr != nil {
		return closeErr
	}
	if x.written > x.limit {
		return x.fail(fmt.Sprintf("archive expands beyond %d bytes", x.limit), nil)
	}
	return nil
}
