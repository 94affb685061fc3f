package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// IndexFile records the working copies of the last run inside the output directory.
const IndexFile = ".modpatch-index.toml"

const indexVersion = 1

type indexEntry struct {
	Module      string `toml:"module"`
	Version     string `toml:"version"`
	Path        string `toml:"path"`
	Fingerprint string `toml:"fingerprint"`
}

type outputIndex struct {
	Version      int                   `toml:"version"`
	Dependencies map[string]indexEntry `toml:"dependencies"`
}

func readIndex(outputDir string) (*outputIndex, error) {
	idx := &outputIndex{Version: indexVersion, Dependencies: map[string]indexEntry{}}
	data, err := os.ReadFile(filepath.Join(outputDir, IndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, &IOError{Op: "read index", Path: filepath.Join(outputDir, IndexFile), Err: err}
	}
	var stored outputIndex
	if err := toml.Unmarshal(data, &stored); err != nil || stored.Version != indexVersion {
		// An unreadable index only costs a full rebuild.
		return idx, nil
	}
	if stored.Dependencies != nil {
		idx.Dependencies = stored.Dependencies
	}
	return idx, nil
}

func writeIndex(outputDir string, idx *outputIndex) error {
	data, err := toml.Marshal(idx)
	if err != nil {
		return err
	}
	path := filepath.Join(outputDir, IndexFile)
	tmp := filepath.Join(outputDir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &IOError{Op: "write index", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IOError{Op: "write index", Path: path, Err: err}
	}
	return nil
}

// fingerprint hashes every input that determines a working copy: the module version, the
// pristine tree checksum, the applier options and each descriptor's path, kind and bytes.
func fingerprint(spec ResolvedSpec, checksum, patchesRoot string, opts fingerprintOptions) (string, error) {
	h := xxhash.New()
	field := func(s string) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.WriteString(s)
	}
	field(spec.ModulePath())
	field(spec.Resolved)
	field(checksum)
	field(strconv.Itoa(opts.tolerance))
	field(strconv.FormatBool(opts.ignoreWhitespace))
	for _, d := range spec.Patches {
		body, err := os.ReadFile(filepath.Join(patchesRoot, filepath.FromSlash(d.Path)))
		if err != nil {
			return "", err
		}
		field(d.Path)
		field(string(d.Kind))
		field(string(body))
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

type fingerprintOptions struct {
	tolerance        int
	ignoreWhitespace bool
}
