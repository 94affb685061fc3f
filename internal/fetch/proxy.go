package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// ProxySource speaks the GOPROXY protocol.
type ProxySource struct {
	base string
	client
}

// NewProxySource returns a Source reading from the proxy at base, e.g.
// "https://proxy.golang.org" or "file:///home/me/go/pkg/mod/cache/download".
func NewProxySource(base string, opts ...Option) (*ProxySource, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, fmt.Errorf("empty proxy URL")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "file://") {
		return nil, fmt.Errorf("unsupported proxy URL %q", base)
	}
	return &ProxySource{base: base, client: client{newOptions(opts)}}, nil
}

// Base returns the proxy URL.
func (p *ProxySource) Base() string {
	return p.base
}

func (p *ProxySource) moduleURL(modPath string) (string, error) {
	escaped, err := module.EscapePath(modPath)
	if err != nil {
		return "", err
	}
	return p.base + "/" + escaped, nil
}

// Versions implements Source. It reads @v/list and falls back to @latest when the list is
// empty (modules with only pseudo-versions).
func (p *ProxySource) Versions(ctx context.Context, modPath string) ([]string, error) {
	prefix, err := p.moduleURL(modPath)
	if err != nil {
		return nil, err
	}
	body, err := p.getBytes(ctx, prefix+"/@v/list")
	if err != nil {
		return nil, err
	}

	var versions []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && semver.IsValid(fields[0]) {
			versions = append(versions, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		latest, err := p.latest(ctx, prefix)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if latest != "" {
			versions = append(versions, latest)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return semver.Compare(versions[i], versions[j]) < 0 })
	return versions, nil
}

func (p *ProxySource) latest(ctx context.Context, prefix string) (string, error) {
	body, err := p.getBytes(ctx, prefix+"/@latest")
	if err != nil {
		return "", err
	}
	var info struct {
		Version string
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("decode %s/@latest: %w", prefix, err)
	}
	if !semver.IsValid(info.Version) {
		return "", nil
	}
	return info.Version, nil
}

// Fetch implements Source.
func (p *ProxySource) Fetch(ctx context.Context, modPath, version, dst string) (Format, error) {
	prefix, err := p.moduleURL(modPath)
	if err != nil {
		return "", err
	}
	escapedVersion, err := module.EscapeVersion(version)
	if err != nil {
		return "", err
	}
	if err := p.getFile(ctx, prefix+"/@v/"+escapedVersion+".zip", dst); err != nil {
		return "", err
	}
	return FormatModuleZip, nil
}
