// Package cache keeps one pristine, never modified extraction per module version. Slots are
// staged under tmp/ and published with a rename, so concurrent processes sharing a cache root
// never observe a half-extracted tree.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/asynkron/modpatch/internal/fetch"
	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"golang.org/x/mod/module"
	"golang.org/x/mod/sumdb/dirhash"
	"golang.org/x/sync/singleflight"
)

// MaxExtractedSize bounds the uncompressed size of one archive.
const MaxExtractedSize int64 = 512 << 20

const (
	pristineDir = "pristine"
	tmpDir      = "tmp"
	srcDir      = "src"
	slotFile    = "slot.toml"
)

// DefaultRoot returns $XDG_CACHE_HOME/modpatch.
func DefaultRoot() string {
	return filepath.Join(xdg.CacheHome, "modpatch")
}

// ExtractionError reports an archive that could not be turned into a pristine tree.
type ExtractionError struct {
	Module  string
	Version string
	Reason  string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("extract %s@%s: %s", e.Module, e.Version, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Slot is the metadata stored next to a pristine tree.
type Slot struct {
	Module      string    `toml:"module"`
	Version     string    `toml:"version"`
	Format      string    `toml:"format"`
	Checksum    string    `toml:"checksum"`
	ExtractedAt time.Time `toml:"extracted_at"`
}

// Cache is a directory of pristine module trees fed by a fetch.Source.
type Cache struct {
	root      string
	src       fetch.Source
	group     singleflight.Group
	checksums map[string]string
	maxSize   int64
	logger    zerolog.Logger
	metrics   metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithChecksums verifies proxy zips against go.sum hashes keyed by "module@version".
func WithChecksums(sums map[string]string) Option {
	return func(c *Cache) { c.checksums = sums }
}

// WithMaxExtractedSize overrides MaxExtractedSize.
func WithMaxExtractedSize(n int64) Option {
	return func(c *Cache) { c.maxSize = n }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics records extractions and cache hits.
func WithMetrics(m metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New opens (creating if needed) the cache at root; an empty root selects DefaultRoot.
func New(root string, src fetch.Source, opts ...Option) (*Cache, error) {
	if src == nil {
		return nil, errors.New("cache: source is required")
	}
	if root == "" {
		root = DefaultRoot()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	c := &Cache{root: abs, src: src, maxSize: MaxExtractedSize, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxSize <= 0 {
		c.maxSize = MaxExtractedSize
	}
	c.metrics = metrics.OrNoOp(c.metrics)
	for _, dir := range []string{pristineDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return c, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// EscapePath escapes a module path for use as a directory name, the way the module cache
// does. Bare names that are not module paths ("foo") are accepted when they are local paths.
func EscapePath(name string) (string, error) {
	if escaped, err := module.EscapePath(name); err == nil {
		return escaped, nil
	}
	if name == "" || strings.ContainsAny(name, "\\:") || !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", fmt.Errorf("invalid module path %q", name)
	}
	return name, nil
}

func (c *Cache) slotDir(modPath, version string) (string, error) {
	escPath, err := EscapePath(modPath)
	if err != nil {
		return "", err
	}
	escVersion, err := module.EscapeVersion(version)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.root, pristineDir, filepath.FromSlash(escPath)+"@"+escVersion), nil
}

// Path returns where the pristine tree of modPath@version lives, whether or not it exists.
func (c *Cache) Path(modPath, version string) (string, error) {
	slot, err := c.slotDir(modPath, version)
	if err != nil {
		return "", err
	}
	return filepath.Join(slot, srcDir), nil
}

// Checksum returns the dirhash of the pristine tree of modPath@version.
func (c *Cache) Checksum(modPath, version string) (string, error) {
	slot, err := c.Slot(modPath, version)
	if err != nil {
		return "", err
	}
	return slot.Checksum, nil
}

// Slot reads the metadata of a complete slot.
func (c *Cache) Slot(modPath, version string) (*Slot, error) {
	dir, err := c.slotDir(modPath, version)
	if err != nil {
		return nil, err
	}
	return readSlot(dir)
}

// EnsurePristine returns the pristine tree of modPath@version, downloading and extracting it
// when the slot is missing or corrupt.
func (c *Cache) EnsurePristine(ctx context.Context, modPath, version string) (string, error) {
	dir, err := c.slotDir(modPath, version)
	if err != nil {
		return "", &ExtractionError{Module: modPath, Version: version, Reason: "invalid module version", Err: err}
	}
	v, err, _ := c.group.Do(dir, func() (any, error) {
		return c.ensure(ctx, modPath, version, dir)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) ensure(ctx context.Context, modPath, version, dir string) (string, error) {
	log := c.logger.With().Str("module", modPath).Str("version", version).Logger()
	src := filepath.Join(dir, srcDir)

	switch _, err := readSlot(dir); {
	case err == nil:
		c.metrics.RecordCacheHit(modPath)
		log.Debug().Str("path", src).Msg("pristine tree cached")
		return src, nil
	case !errors.Is(err, errNoSlot):
		log.Warn().Err(err).Msg("corrupt cache slot, extracting again")
		if err := c.discard(dir); err != nil {
			return "", err
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	err := c.populate(ctx, modPath, version, dir, log)
	c.metrics.RecordExtraction(modPath, time.Since(start), err == nil)
	if err != nil {
		return "", err
	}
	log.Info().Dur("duration", time.Since(start)).Msg("extracted pristine tree")
	return src, nil
}

func (c *Cache) populate(ctx context.Context, modPath, version, dir string, log zerolog.Logger) error {
	id := uuid.NewString()
	archive := filepath.Join(c.root, tmpDir, id+".archive")
	stage := filepath.Join(c.root, tmpDir, id)
	defer os.Remove(archive)
	defer os.RemoveAll(stage)

	format, err := c.src.Fetch(ctx, modPath, version, archive)
	if err != nil {
		return err
	}

	if want := c.checksums[modPath+"@"+version]; want != "" && format == fetch.FormatModuleZip {
		got, err := dirhash.HashZip(archive, dirhash.Hash1)
		if err != nil {
			return &ExtractionError{Module: modPath, Version: version, Reason: "cannot hash archive", Err: err}
		}
		if got != want {
			return &ExtractionError{Module: modPath, Version: version, Reason: fmt.Sprintf("checksum mismatch: go.sum has %s, downloaded %s", want, got)}
		}
	}

	if err := os.MkdirAll(stage, 0o755); err != nil {
		return err
	}
	x := extractor{modPath: modPath, version: version, limit: c.maxSize}
	stageSrc := filepath.Join(stage, srcDir)
	if err := x.extract(format, archive, stageSrc); err != nil {
		return err
	}

	sum, err := dirhash.HashDir(stageSrc, modPath+"@"+version, dirhash.Hash1)
	if err != nil {
		return &ExtractionError{Module: modPath, Version: version, Reason: "cannot hash tree", Err: err}
	}
	meta, err := toml.Marshal(Slot{
		Module:      modPath,
		Version:     version,
		Format:      string(format),
		Checksum:    sum,
		ExtractedAt: time.Now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stage, slotFile), meta, 0o644); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if err := os.Rename(stage, dir); err != nil {
		// Another process published the slot first.
		if _, slotErr := readSlot(dir); slotErr == nil {
			log.Debug().Msg("slot published concurrently")
			return nil
		}
		return fmt.Errorf("publish cache slot: %w", err)
	}
	return nil
}

// discard moves a slot out of pristine/ before removing it, so readers never see it half
// deleted.
func (c *Cache) discard(dir string) error {
	aside := filepath.Join(c.root, tmpDir, uuid.NewString()+".stale")
	if err := os.Rename(dir, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("discard cache slot: %w", err)
	}
	return os.RemoveAll(aside)
}

// Invalidate drops the pristine tree of modPath@version.
func (c *Cache) Invalidate(modPath, version string) error {
	dir, err := c.slotDir(modPath, version)
	if err != nil {
		return err
	}
	return c.discard(dir)
}

// Clean removes the cache rooted at root. It refuses to remove a directory that does not look
// like a cache.
func Clean(root string) error {
	if root == "" {
		root = DefaultRoot()
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() != pristineDir && e.Name() != tmpDir {
			return fmt.Errorf("refusing to clean %s: unexpected entry %q", root, e.Name())
		}
	}
	return os.RemoveAll(root)
}

var errNoSlot = errors.New("no cache slot")

func readSlot(dir string) (*Slot, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, errNoSlot
	}
	data, err := os.ReadFile(filepath.Join(dir, slotFile))
	if err != nil {
		return nil, err
	}
	var slot Slot
	if err := toml.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("decode %s: %w", slotFile, err)
	}
	info, err := os.Stat(filepath.Join(dir, srcDir))
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", srcDir)
	}
	return &slot, nil
}
