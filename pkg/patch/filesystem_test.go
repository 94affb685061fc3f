package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeFixture(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create fixture dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
}

func readFixture(t *testing.T, dir, rel string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("failed to read %s: %v", rel, err)
	}
	return string(content)
}

func TestApplyFilesystemUpdatesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFixture(t, dir, "foo.txt", "one\n")

	body := "--- foo.txt\n+++ foo.txt\n@@ -1 +1 @@\n-one\n+two\n"
	results, err := ApplyFilesystemPatch(context.Background(), "foo.patch", body, SourceDefault, FilesystemOptions{WorkingDir: dir})
	if err != nil {
		t.Fatalf("ApplyFilesystemPatch returned error: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusModified || results[0].Path != "foo.txt" {
		t.Fatalf("unexpected results: %#v", results)
	}
	if got := readFixture(t, dir, "foo.txt"); got != "two\n" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestApplyFilesystemCreatesAndDeletesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFixture(t, dir, "old.txt", "first\nsecond\n")

	body := "--- /dev/null\n+++ nested/test.txt\n@@ -0,0 +1,3 @@\n+first\n+\n+third\n" +
		"--- old.txt\n+++ /dev/null\n@@ -1,2 +0,0 @@\n-first\n-second\n"
	results, err := ApplyFilesystemPatch(context.Background(), "cd.patch", body, SourceDefault, FilesystemOptions{WorkingDir: dir})
	if err != nil {
		t.Fatalf("ApplyFilesystemPatch returned error: %v", err)
	}
	want := []Result{
		{Status: StatusAdded, Path: "nested/test.txt"},
		{Status: StatusDeleted, Path: "old.txt"},
	}
	if len(results) != len(want) || results[0] != want[0] || results[1] != want[1] {
		t.Fatalf("results = %#v, want %#v", results, want)
	}
	if got := readFixture(t, dir, "nested/test.txt"); got != "first\n\nthird\n" {
		t.Fatalf("unexpected created content: %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected old.txt to be deleted, stat err = %v", err)
	}
}

func TestApplyFilesystemRenamesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFixture(t, dir, "old.txt", "hello\n")

	body := "diff --git a/old.txt b/nested/moved.txt\n" +
		"similarity index 50%\n" +
		"rename from old.txt\n" +
		"rename to nested/moved.txt\n" +
		"--- a/old.txt\n+++ b/nested/moved.txt\n@@ -1 +1 @@\n-hello\n+world\n"
	results, err := ApplyFilesystemPatch(context.Background(), "mv.patch", body, SourceDefault, FilesystemOptions{WorkingDir: dir})
	if err != nil {
		t.Fatalf("ApplyFilesystemPatch returned error: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusRenamed || results[0].Path != "nested/moved.txt" || results[0].OldPath != "old.txt" {
		t.Fatalf("unexpected results: %#v", results)
	}
	if got := readFixture(t, dir, "nested/moved.txt"); got != "world\n" {
		t.Fatalf("unexpected moved content: %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("rename source should be gone, stat err = %v", err)
	}
}

func TestApplyFilesystemWritesNothingWhenAHunkFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFixture(t, dir, "a.txt", "alpha\n")
	writeFixture(t, dir, "b.txt", "beta\n")

	body := "--- a.txt\n+++ a.txt\n@@ -1 +1 @@\n-alpha\n+ALPHA\n" +
		"--- b.txt\n+++ b.txt\n@@ -1 +1 @@\n-gamma\n+GAMMA\n"
	_, err := ApplyFilesystemPatch(context.Background(), "ab.patch", body, SourceDefault, FilesystemOptions{WorkingDir: dir})
	var ae *ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *ApplyError, got %v", err)
	}
	if ae.File != "b.txt" || ae.Hunk != 1 || ae.Reason != ReasonNoMatch {
		t.Fatalf("unexpected error: %+v", ae)
	}
	if got := readFixture(t, dir, "a.txt"); got != "alpha\n" {
		t.Fatalf("a.txt must stay untouched, got %q", got)
	}
}

func TestApplyFilesystemRejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"parent":   "--- ../outside.txt\n+++ ../outside.txt\n@@ -1 +1 @@\n-a\n+b\n",
		"absolute": "--- /etc/hosts\n+++ /etc/hosts\n@@ -1 +1 @@\n-a\n+b\n",
		"new file": "--- /dev/null\n+++ src/../../x.txt\n@@ -0,0 +1 @@\n+x\n",
	}
	for name, body := range cases {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			_, err := ApplyFilesystemPatch(context.Background(), "escape.patch", body, SourceUnified, FilesystemOptions{WorkingDir: dir})
			var ae *ApplyError
			if !errors.As(err, &ae) || ae.Reason != ReasonEscape {
				t.Fatalf("expected Escape, got %v", err)
			}
		})
	}
}

func TestApplyFilesystemRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	outside := t.TempDir()
	writeFixture(t, outside, "secret.txt", "a\n")
	dir := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	body := "--- link/secret.txt\n+++ link/secret.txt\n@@ -1 +1 @@\n-a\n+b\n"
	_, err := ApplyFilesystemPatch(context.Background(), "escape.patch", body, SourceUnified, FilesystemOptions{WorkingDir: dir})
	var ae *ApplyError
	if !errors.As(err, &ae) || ae.Reason != ReasonEscape {
		t.Fatalf("expected Escape, got %v", err)
	}
	if got := readFixture(t, outside, "secret.txt"); got != "a\n" {
		t.Fatalf("file outside the tree was modified: %q", got)
	}
}

func TestApplyFilesystemPreservesPermissions(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(path, []byte("echo one\n"), 0o755); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatalf("failed to chmod fixture: %v", err)
	}

	body := "--- run.sh\n+++ run.sh\n@@ -1 +1 @@\n-echo one\n+echo two\n"
	if _, err := ApplyFilesystemPatch(context.Background(), "sh.patch", body, SourceDefault, FilesystemOptions{WorkingDir: dir}); err != nil {
		t.Fatalf("ApplyFilesystemPatch returned error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("mode = %o, want 755", info.Mode().Perm())
	}
}

func TestApplyFilesystemConflicts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFixture(t, dir, "exists.txt", "x\n")

	cases := map[string]string{
		"create existing": "--- /dev/null\n+++ exists.txt\n@@ -0,0 +1 @@\n+y\n",
		"delete missing":  "--- missing.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-y\n",
		"partial delete":  "--- exists.txt\n+++ /dev/null\n@@ -0,0 +0,0 @@\n",
	}
	for name, body := range cases {
		_, err := ApplyFilesystemPatch(context.Background(), "c.patch", body, SourceUnified, FilesystemOptions{WorkingDir: dir})
		var ae *ApplyError
		if !errors.As(err, &ae) || ae.Reason != ReasonConflict {
			t.Fatalf("%s: expected Conflict, got %v", name, err)
		}
	}
	if got := readFixture(t, dir, "exists.txt"); got != "x\n" {
		t.Fatalf("exists.txt changed: %q", got)
	}
}
