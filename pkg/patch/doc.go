// Package patch parses unified diffs (plain, git and GitHub pull-request flavoured) and applies
// them to a file tree with a bounded fuzzy search around each hunk's recorded position.
//
// Parsing never touches disk. Application is staged: every file touched by a Document is
// rewritten in memory first and only committed once all of its hunks matched, so a failing
// document leaves the target tree as it was. Both the OS filesystem and in-memory maps can be
// used as targets, which keeps the engine easy to embed in tooling and tests.
package patch
