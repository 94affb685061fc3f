package patch

import (
	"context"
	"io/fs"
	"path"
)

// ApplyToMemory applies a document to an in-memory document store represented by a map keyed
// by slash-separated paths. The provided map is copied before mutation and the updated
// snapshot is returned.
func ApplyToMemory(ctx context.Context, doc *Document, files map[string]string, opts Options) (map[string]string, []Result, error) {
	snapshot := make(map[string]string, len(files))
	for k, v := range files {
		snapshot[cleanSlash(k)] = v
	}
	b := &memoryBackend{files: snapshot}
	results, err := apply(ctx, doc, newWorkspace(b, opts))
	if err != nil {
		return nil, nil, err
	}
	return b.files, results, nil
}

// ApplyMemoryPatch parses a raw patch payload and applies it to an in-memory map of files.
func ApplyMemoryPatch(ctx context.Context, name, patchBody string, kind SourceKind, files map[string]string, opts Options) (map[string]string, []Result, error) {
	doc, err := Parse(name, patchBody, kind)
	if err != nil {
		return nil, nil, err
	}
	return ApplyToMemory(ctx, doc, files, opts)
}

// ApplyFile applies a single file patch to content and returns the new content. content is
// ignored for new-file patches, and nil content stands for a missing file. Deletions return nil
// once the removed lines were verified.
func ApplyFile(fp FilePatch, content []byte, opts Options) ([]byte, error) {
	st := &state{relativePath: fp.Path(), options: opts}
	if fp.IsDelete && content == nil {
		return nil, conflictf(fp.OldPath, "cannot delete a file that does not exist")
	}
	if fp.IsNew || content == nil {
		st.create(fp)
		return []byte(st.render()), nil
	}
	st.load(content)
	st.exists = true
	if err := st.applyHunks(fp.Hunks); err != nil {
		return nil, err
	}
	if fp.IsDelete {
		if len(st.lines) > 0 {
			return nil, conflictf(fp.OldPath, "deletion would leave %d lines behind", len(st.lines))
		}
		return nil, nil
	}
	return []byte(st.render()), nil
}

type memoryBackend struct {
	files map[string]string
}

func (b *memoryBackend) resolve(p string) (string, error) {
	return cleanRelative(p)
}

func (b *memoryBackend) read(key string) ([]byte, fs.FileMode, bool, error) {
	content, ok := b.files[key]
	if !ok {
		return nil, 0, false, nil
	}
	return []byte(content), 0, true, nil
}

func (b *memoryBackend) write(key string, content []byte, _ fs.FileMode) error {
	b.files[key] = string(content)
	return nil
}

func (b *memoryBackend) remove(key string) error {
	delete(b.files, key)
	return nil
}

func cleanSlash(p string) string {
	return path.Clean(p)
}
