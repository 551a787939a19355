package router

import (
	"io/fs"
	"path/filepath"
)

// FingerprintEntry summarizes one file under the library root.
type FingerprintEntry struct {
	RelPath string
	Size    int64
	MTimeNS int64
}

// Fingerprint walks root and returns a sorted (relpath, size, mtime_ns)
// summary of every regular file. Read-tier capabilities are checked against
// it before and after invocation to catch undeclared writes. A missing root
// fingerprints as empty.
func Fingerprint(root string) []FingerprintEntry {
	var entries []FingerprintEntry
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		entries = append(entries, FingerprintEntry{
			RelPath: filepath.ToSlash(rel),
			Size:    info.Size(),
			MTimeNS: info.ModTime().UnixNano(),
		})
		return nil
	})
	// WalkDir visits in lexical order, so entries are already sorted.
	return entries
}

// FingerprintsEqual compares two summaries entry by entry.
func FingerprintsEqual(a, b []FingerprintEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
