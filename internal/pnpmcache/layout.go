package pnpmcache

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

type LayoutKind string

const (
	LayoutModern LayoutKind = "modern"
	LayoutLegacy LayoutKind = "legacy"
)

// Layout describes which subdirectories of the package store exist and
// which naming convention the store uses. It is probed fresh on every
// request; producer and consumer machines evolve independently, so
// nothing here is cached or trusted across calls.
type Layout struct {
	Kind LayoutKind
	// Dirs are the include paths, relative to the store root, that a
	// transfer archive should carry.
	Dirs []string
}

var legacyRootPattern = regexp.MustCompile(`^v\d+$`)

// DetectLayout probes the store directory. The modern layout keeps flat
// files/index/projects dirs at the root; the legacy layout keeps a
// single versioned root (v3, v10, ...) with files/index subtrees. The
// legacy per-project subtree holds machine-local symlinks and is never
// included and must not be transferred between machines.
//
// The returned checked list names every path probed, for the 404
// response when no layout is found.
func DetectLayout(storeDir string) (*Layout, []string, error) {
	var checked []string

	modernCandidates := []string{"files", "index", "projects"}
	var modernDirs []string
	for _, name := range modernCandidates {
		path := filepath.Join(storeDir, name)
		checked = append(checked, path)
		if isDir(path) {
			modernDirs = append(modernDirs, name)
		}
	}
	if len(modernDirs) > 0 {
		return &Layout{Kind: LayoutModern, Dirs: modernDirs}, checked, nil
	}

	entries, err := os.ReadDir(storeDir)
	if err != nil {
		if os.IsNotExist(err) {
			checked = append(checked, storeDir)
			return nil, checked, nil
		}
		return nil, checked, fmt.Errorf("read store dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !legacyRootPattern.MatchString(entry.Name()) {
			continue
		}
		root := entry.Name()
		var legacyDirs []string
		for _, name := range []string{"files", "index"} {
			path := filepath.Join(storeDir, root, name)
			checked = append(checked, path)
			if isDir(path) {
				legacyDirs = append(legacyDirs, filepath.Join(root, name))
			}
		}
		if len(legacyDirs) > 0 {
			return &Layout{Kind: LayoutLegacy, Dirs: legacyDirs}, checked, nil
		}
	}

	return nil, checked, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
