package fetch

import (
	"context"
	"fmt"
	"path"
	"strings"

	"golang.org/x/mod/module"
)

// ArchiveSource downloads archives from a URL template. The placeholders {module},
// {escaped_module}, {name} (last path element), {version} and {version_no_v} are expanded.
type ArchiveSource struct {
	template string
	// versions answers Versions; without it only exact versions can be used.
	versions Source
	client
}

// NewArchiveSource validates template and returns an ArchiveSource. versions may be nil.
func NewArchiveSource(template string, versions Source, opts ...Option) (*ArchiveSource, error) {
	template = strings.TrimSpace(template)
	if !strings.Contains(template, "{version") {
		return nil, fmt.Errorf("archive template %q does not reference {version}", template)
	}
	if _, ok := FormatFromName(template); !ok {
		return nil, fmt.Errorf("archive template %q: unknown archive format (want .zip, .tar.gz, .tgz, .tar.zst)", template)
	}
	return &ArchiveSource{template: template, versions: versions, client: client{newOptions(opts)}}, nil
}

// URL expands the template for modPath@version.
func (a *ArchiveSource) URL(modPath, version string) (string, error) {
	escaped, err := module.EscapePath(modPath)
	if err != nil {
		return "", err
	}
	replacer := strings.NewReplacer(
		"{module}", modPath,
		"{escaped_module}", escaped,
		"{name}", path.Base(modPath),
		"{version}", version,
		"{version_no_v}", strings.TrimPrefix(version, "v"),
	)
	return replacer.Replace(a.template), nil
}

// Versions implements Source.
func (a *ArchiveSource) Versions(ctx context.Context, modPath string) ([]string, error) {
	if a.versions == nil {
		return nil, ErrNoVersionList
	}
	return a.versions.Versions(ctx, modPath)
}

// Fetch implements Source.
func (a *ArchiveSource) Fetch(ctx context.Context, modPath, version, dst string) (Format, error) {
	rawURL, err := a.URL(modPath, version)
	if err != nil {
		return "", err
	}
	format, _ := FormatFromName(rawURL)
	if err := a.getFile(ctx, rawURL, dst); err != nil {
		return "", err
	}
	return format, nil
}
