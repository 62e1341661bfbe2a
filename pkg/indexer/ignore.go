// Package indexer scans a project tree and persists code definitions with
// embeddings for semantic code search.
package indexer

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// defaultIgnores are always active, before any ignore file is read
var defaultIgnores = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"vendor/",
	"dist/",
	"build/",
	"target/",
	"__pycache__/",
	".venv/",
	"venv/",
	".idea/",
	".vscode/",
	"*.min.js",
	"*.lock",
}

// ignoreFiles are read from the scan root, in order
var ignoreFiles = []string{".gitignore", ".specmemignore"}

// rule is one parsed ignore pattern
type rule struct {
	pattern  string
	dirOnly  bool
	anchored bool
}

// Ruleset is a layered ignore matcher: built-in defaults plus the patterns
// found in the root's ignore files. It understands the common gitignore
// subset — blank lines, comments, trailing-slash directory rules, leading-
// slash anchoring, and * globs — not the full gitignore grammar.
type Ruleset struct {
	rules []rule
}

// LoadRuleset builds the ruleset for a scan root
func LoadRuleset(root string) *Ruleset {
	rs := &Ruleset{}
	for _, p := range defaultIgnores {
		rs.add(p)
	}
	for _, name := range ignoreFiles {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			rs.add(scanner.Text())
		}
		_ = f.Close()
	}
	return rs
}

func (rs *Ruleset) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return
	}
	r := rule{}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	r.pattern = line
	rs.rules = append(rs.rules, r)
}

// Ignored reports whether the slash-separated path relative to the scan root
// should be skipped
func (rs *Ruleset) Ignored(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)
	segments := strings.Split(relPath, "/")
	base := segments[len(segments)-1]

	for _, r := range rs.rules {
		if r.dirOnly && !isDir {
			// A dir rule still covers files under the dir; those are caught
			// when the dir itself is visited, so only segment checks apply
			if !segmentMatch(segments[:len(segments)-1], r.pattern) {
				continue
			}
			return true
		}
		if r.anchored {
			if ok, _ := path.Match(r.pattern, relPath); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(r.pattern, base); ok {
			return true
		}
		if segmentMatch(segments, r.pattern) {
			return true
		}
	}
	return false
}

func segmentMatch(segments []string, pattern string) bool {
	for _, s := range segments {
		if ok, _ := path.Match(pattern, s); ok {
			return true
		}
	}
	return false
}
