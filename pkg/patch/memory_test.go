package patch

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestApplyToMemoryUpdatesDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	patchBody := strings.Join([]string{
		"--- notes.txt",
		"+++ notes.txt",
		"@@ -1,2 +1,2 @@",
		"-alpha",
		"+gamma",
		" beta",
	}, "\n")

	initial := map[string]string{"notes.txt": "alpha\nbeta\n"}
	updated, results, err := ApplyMemoryPatch(ctx, "notes.patch", patchBody, SourceDefault, initial, Options{})
	if err != nil {
		t.Fatalf("ApplyMemoryPatch returned error: %v", err)
	}
	if got, want := len(results), 1; got != want {
		t.Fatalf("unexpected result count: got %d want %d", got, want)
	}
	if results[0].Status != StatusModified || results[0].Path != "notes.txt" {
		t.Fatalf("unexpected result entry: %+v", results[0])
	}
	if got, want := updated["notes.txt"], "gamma\nbeta\n"; got != want {
		t.Fatalf("updated document mismatch: got %q want %q", got, want)
	}

	// Ensure the original map was not mutated.
	if got, want := initial["notes.txt"], "alpha\nbeta\n"; got != want {
		t.Fatalf("initial map mutated: got %q want %q", got, want)
	}
}

func TestApplyToMemoryAddsDocumentWithoutTrailingNewline(t *testing.T) {
	t.Parallel()

	patchBody := strings.Join([]string{
		"--- /dev/null",
		"+++ new.txt",
		"@@ -0,0 +1,2 @@",
		"+hello",
		"+world",
		"\\ No newline at end of file",
	}, "\n")

	updated, results, err := ApplyMemoryPatch(context.Background(), "new.patch", patchBody, SourceDefault, map[string]string{}, Options{})
	if err != nil {
		t.Fatalf("ApplyMemoryPatch returned error: %v", err)
	}
	if got, want := updated["new.txt"], "hello\nworld"; got != want {
		t.Fatalf("new file content mismatch: got %q want %q", got, want)
	}
	if len(results) != 1 || results[0].Status != StatusAdded {
		t.Fatalf("unexpected results: %+v", results)
	}
}

// Two patches applied in sequence give the same tree as applying their concatenation, and the
// second patch may depend on text the first one introduced.
func TestApplyToMemoryIsOrderSensitive(t *testing.T) {
	t.Parallel()

	first := "--- a.txt\n+++ a.txt\n@@ -1,2 +1,3 @@\n one\n+inserted\n two\n"
	second := "--- a.txt\n+++ a.txt\n@@ -2,2 +2,2 @@\n-inserted\n+INSERTED\n two\n"
	files := map[string]string{"a.txt": "one\ntwo\n"}

	step, _, err := ApplyMemoryPatch(context.Background(), "first", first, SourceDefault, files, Options{})
	if err != nil {
		t.Fatalf("first patch failed: %v", err)
	}
	step, _, err = ApplyMemoryPatch(context.Background(), "second", second, SourceDefault, step, Options{})
	if err != nil {
		t.Fatalf("second patch failed: %v", err)
	}
	if got, want := step["a.txt"], "one\nINSERTED\ntwo\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	if _, _, err := ApplyMemoryPatch(context.Background(), "second", second, SourceDefault, files, Options{}); err == nil {
		t.Fatalf("second patch must not apply to the pristine file")
	}
}

func TestApplyToMemoryDeleteThenCreateSamePath(t *testing.T) {
	t.Parallel()

	body := "--- a.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-old\n" +
		"--- /dev/null\n+++ a.txt\n@@ -0,0 +1 @@\n+new\n"
	updated, results, err := ApplyMemoryPatch(context.Background(), "swap", body, SourceDefault, map[string]string{"a.txt": "old\n"}, Options{})
	if err != nil {
		t.Fatalf("ApplyMemoryPatch returned error: %v", err)
	}
	if updated["a.txt"] != "new\n" {
		t.Fatalf("unexpected content %q", updated["a.txt"])
	}
	if len(results) != 1 || results[0].Status != StatusModified {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestApplyToMemoryHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := "--- a.txt\n+++ a.txt\n@@ -1 +1 @@\n-a\n+b\n"
	_, _, err := ApplyMemoryPatch(ctx, "c", body, SourceDefault, map[string]string{"a.txt": "a\n"}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestApplyFile(t *testing.T) {
	t.Parallel()

	doc, err := Parse("f", "--- f.txt\n+++ f.txt\n@@ -2 +2 @@\n-b\n+B\n", SourceDefault)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	out, err := ApplyFile(doc.Files[0], []byte("a\nb\nc"), Options{})
	if err != nil {
		t.Fatalf("ApplyFile returned error: %v", err)
	}
	if got, want := string(out), "a\nB\nc"; got != want {
		t.Fatalf("ApplyFile = %q, want %q", got, want)
	}

	again, err := ApplyFile(doc.Files[0], []byte("a\nb\nc"), Options{})
	if err != nil || string(again) != string(out) {
		t.Fatalf("ApplyFile is not deterministic: %q, %v", again, err)
	}
}

func TestApplyFileDeletionVerifiesContent(t *testing.T) {
	t.Parallel()

	doc, err := Parse("d", "--- f.txt\n+++ /dev/null\n@@ -1,2 +0,0 @@\n-a\n-b\n", SourceDefault)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	out, err := ApplyFile(doc.Files[0], []byte("a\nb\n"), Options{})
	if err != nil || out != nil {
		t.Fatalf("ApplyFile = %q, %v", out, err)
	}
	if _, err := ApplyFile(doc.Files[0], []byte("a\nb\nc\n"), Options{}); err == nil {
		t.Fatalf("expected deletion with leftover content to fail")
	}
}

func TestApplyFileRejectsDeletingMissingFile(t *testing.T) {
	t.Parallel()

	fp := FilePatch{OldPath: "gone.txt", IsDelete: true, Hunks: []Hunk{{
		OldStart: 1, OldCount: 1,
		Lines: []Line{{Kind: LineRemoved, Text: "a"}},
	}}}
	out, err := ApplyFile(fp, nil, Options{})
	var ae *ApplyError
	if !errors.As(err, &ae) || ae.Reason != ReasonConflict || ae.File != "gone.txt" {
		t.Fatalf("expected Conflict for gone.txt, got %q, %v", out, err)
	}
}

func TestApplyToMemoryRecreatesRenamedPath(t *testing.T) {
	t.Parallel()

	body := "diff --git a/a.txt b/b.txt\n" +
		"similarity index 100%\n" +
		"rename from a.txt\n" +
		"rename to b.txt\n" +
		"diff --git a/a.txt b/a.txt\n" +
		"new file mode 100644\n" +
		"--- /dev/null\n+++ b/a.txt\n@@ -0,0 +1 @@\n+fresh\n"
	updated, results, err := ApplyMemoryPatch(context.Background(), "mv", body, SourceDefault, map[string]string{"a.txt": "old\n"}, Options{})
	if err != nil {
		t.Fatalf("ApplyMemoryPatch returned error: %v", err)
	}
	if updated["a.txt"] != "fresh\n" || updated["b.txt"] != "old\n" {
		t.Fatalf("unexpected files: %#v", updated)
	}
	want := []Result{
		{Status: StatusAdded, Path: "a.txt"},
		{Status: StatusRenamed, Path: "b.txt", OldPath: "a.txt"},
	}
	if len(results) != len(want) || results[0] != want[0] || results[1] != want[1] {
		t.Fatalf("results = %#v, want %#v", results, want)
	}
}
