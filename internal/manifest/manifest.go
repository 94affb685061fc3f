// Package manifest loads modpatch.toml (or modpatch.yaml): global settings plus the patch list
// of every dependency.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/asynkron/modpatch/internal/pipeline"
	"github.com/asynkron/modpatch/pkg/patch"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes the environment variables overriding [settings].
const EnvPrefix = "MODPATCH_"

// DefaultOutputDir holds the patched working copies, relative to the manifest.
const DefaultOutputDir = ".modpatch"

// ParseError reports a manifest that cannot be read or violates the schema.
type ParseError struct {
	Path   string
	Reason string
	Issues []string
	Err    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifest %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Settings is the [settings] table.
type Settings struct {
	PatchesRoot      string        `koanf:"patches_root"`
	OutputDir        string        `koanf:"output_dir"`
	CacheDir         string        `koanf:"cache_dir"`
	Proxy            string        `koanf:"proxy"`
	Concurrency      int           `koanf:"concurrency"`
	Tolerance        int           `koanf:"tolerance"`
	IgnoreWhitespace bool          `koanf:"ignore_whitespace"`
	SkipUnchanged    bool          `koanf:"skip_unchanged"`
	Timeout          time.Duration `koanf:"timeout"`
	Retries          int           `koanf:"retries"`
}

func defaults() map[string]any {
	return map[string]any{
		"settings.patches_root": ".",
		"settings.output_dir":   DefaultOutputDir,
		"settings.timeout":      "60s",
		"settings.retries":      3,
	}
}

// Manifest is a loaded manifest with paths resolved against its directory.
type Manifest struct {
	// Path is the absolute manifest path.
	Path     string
	Settings Settings
	Specs    []pipeline.Spec
	// Notices collects entries skipped or adjusted while loading.
	Notices []string
}

// Dir returns the directory holding the manifest.
func (m *Manifest) Dir() string {
	return filepath.Dir(m.Path)
}

// PatchesRoot returns the absolute directory patch paths are relative to.
func (m *Manifest) PatchesRoot() string {
	return m.abs(m.Settings.PatchesRoot)
}

// OutputDir returns the absolute directory holding working copies.
func (m *Manifest) OutputDir() string {
	return m.abs(m.Settings.OutputDir)
}

// CacheDir returns the absolute cache root, or "" for the default one.
func (m *Manifest) CacheDir() string {
	if m.Settings.CacheDir == "" {
		return ""
	}
	return m.abs(m.Settings.CacheDir)
}

// PatchFiles returns the absolute path of every declared patch file, in declaration order.
func (m *Manifest) PatchFiles() []string {
	var out []string
	for _, spec := range m.Specs {
		for _, d := range spec.Patches {
			out = append(out, filepath.Join(m.PatchesRoot(), filepath.FromSlash(d.Path)))
		}
	}
	return out
}

func (m *Manifest) abs(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(m.Dir(), filepath.FromSlash(p))
}

type rawEntry struct {
	Version string `mapstructure:"version"`
	Module  string `mapstructure:"module"`
	Archive string `mapstructure:"archive"`
	Patches []any  `mapstructure:"patches"`
}

type rawPatch struct {
	Path   string `mapstructure:"path"`
	Source string `mapstructure:"source"`
}

// Load reads the manifest at path, validates it and applies MODPATCH_* overrides.
func Load(path string, logger zerolog.Logger) (*Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	parser, err := parserFor(abs)
	if err != nil {
		return nil, &ParseError{Path: abs, Reason: err.Error()}
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, &ParseError{Path: abs, Reason: "cannot read manifest", Err: err}
	}

	fileK := koanf.New(".")
	if err := fileK.Load(file.Provider(abs), parser); err != nil {
		return nil, &ParseError{Path: abs, Reason: "invalid syntax", Err: err}
	}
	raw := fileK.Raw()
	issues, err := validate(raw)
	if err != nil {
		return nil, &ParseError{Path: abs, Reason: "cannot validate", Err: err}
	}
	if len(issues) > 0 {
		return nil, &ParseError{Path: abs, Reason: "schema violation", Issues: issues}
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("manifest: load defaults: %w", err)
	}
	if settings, ok := raw["settings"].(map[string]any); ok {
		if err := k.Load(confmap.Provider(map[string]any{"settings": settings}, ""), nil); err != nil {
			return nil, fmt.Errorf("manifest: load settings: %w", err)
		}
	}
	err = k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return "settings." + strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: load environment: %w", err)
	}

	m := &Manifest{Path: abs}
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &m.Settings,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	if err := k.UnmarshalWithConf("settings", &m.Settings, unmarshalConf); err != nil {
		return nil, &ParseError{Path: abs, Reason: "invalid settings", Err: err}
	}
	if m.Settings.Timeout < 0 || m.Settings.Retries < 0 || m.Settings.Concurrency < 0 {
		return nil, &ParseError{Path: abs, Reason: "settings must not be negative"}
	}

	entries, _ := raw["patch"].(map[string]any)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, notices, err := decodeEntry(name, entries[name])
		if err != nil {
			return nil, &ParseError{Path: abs, Reason: fmt.Sprintf("patch %q", name), Err: err}
		}
		for _, notice := range notices {
			logger.Warn().Str("dependency", name).Msg(notice)
		}
		m.Notices = append(m.Notices, notices...)
		if len(spec.Patches) == 0 {
			notice := fmt.Sprintf("%s has no patches, skipping", name)
			logger.Info().Str("dependency", name).Msg(notice)
			m.Notices = append(m.Notices, notice)
			continue
		}
		m.Specs = append(m.Specs, spec)
	}
	return m, nil
}

func decodeEntry(name string, value any) (pipeline.Spec, []string, error) {
	var entry rawEntry
	if err := mapstructure.Decode(value, &entry); err != nil {
		return pipeline.Spec{}, nil, err
	}
	spec := pipeline.Spec{
		Name:    name,
		Module:  entry.Module,
		Version: entry.Version,
		Archive: entry.Archive,
	}
	if spec.Module == "" {
		spec.Module = name
	}
	var notices []string
	for _, item := range entry.Patches {
		var p rawPatch
		switch v := item.(type) {
		case string:
			p.Path = v
		default:
			if err := mapstructure.Decode(v, &p); err != nil {
				return pipeline.Spec{}, nil, err
			}
		}
		kind := patch.SourceDefault
		if p.Source != "" {
			parsed, ok := patch.ParseSourceKind(p.Source)
			if !ok {
				notices = append(notices, fmt.Sprintf("Unknown patch source: %s, using Default", p.Source))
			} else {
				kind = parsed
			}
		}
		spec.Patches = append(spec.Patches, pipeline.Descriptor{Path: filepath.ToSlash(p.Path), Kind: kind})
	}
	return spec, notices, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Parser(), nil
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	}
	return nil, fmt.Errorf("unsupported manifest format %q (want .toml, .yaml or .yml)", filepath.Ext(path))
}

// LoadDotEnv loads dir/.env into the process environment without overriding variables that
// are already set. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
