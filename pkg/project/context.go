// Package project resolves the current project path into the stable
// identifiers that scope every other component: the per-project schema name,
// the 12-character instance hash, and the embedder socket path. All
// derivations are pure functions of the normalized path, so the same project
// maps to the same schema on every host and every run.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/specmem/specmem/pkg/errors"
)

// SchemaPrefix is prepended to every derived schema name
const SchemaPrefix = "specmem_"

// schemaSentinel substitutes for an empty sanitized name
const schemaSentinel = "default"

// Context scopes all engine operations to a single project
type Context struct {
	path   string
	schema string
	hash   string
}

// New resolves a project context from the configured path. The path must be
// non-empty; callers default it to the working directory before this point.
func New(path string) (*Context, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errors.ClassInvalidRequest, "project path is empty").
			WithOperation("project.New")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassInvalidRequest, "project path cannot be resolved").
			WithOperation("project.New")
	}
	normalized := filepath.Clean(abs)

	return &Context{
		path:   normalized,
		schema: SchemaFromPath(normalized),
		hash:   HashFromPath(normalized),
	}, nil
}

// Path returns the normalized absolute project path
func (c *Context) Path() string { return c.path }

// Schema returns the per-project schema name
func (c *Context) Schema() string { return c.schema }

// Hash returns the 12-character instance hash
func (c *Context) Hash() string { return c.hash }

// DirName returns the final path segment of the project
func (c *Context) DirName() string { return filepath.Base(c.path) }

// SocketPath derives the embedder socket path for this project:
// <base>/<hash>/sockets/embeddings.sock. Base defaults to
// ~/.specmem/instances when empty.
func (c *Context) SocketPath(base string) string {
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".specmem", "instances")
	}
	return filepath.Join(base, c.hash, "sockets", "embeddings.sock")
}

// SchemaFromPath derives the schema name from a project path: lowercase the
// final segment, replace runs of non-[a-z0-9_] with a single underscore, trim
// leading/trailing underscores, substitute "default" if nothing remains, then
// prefix. Pure; stable across runs and hosts.
func SchemaFromPath(path string) string {
	base := filepath.Base(filepath.Clean(path))
	lower := strings.ToLower(base)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range lower {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		if ok {
			b.WriteRune(r)
			lastUnderscore = r == '_'
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = schemaSentinel
	}
	return SchemaPrefix + name
}

// HashFromPath returns the first 12 hex characters of sha256(path)
func HashFromPath(path string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	return hex.EncodeToString(sum[:])[:12]
}

// Contains reports whether other is the project path itself, a parent of it,
// or a subdirectory of it. Used by the restoration parser to decide whether
// an extracted path belongs to this project.
func (c *Context) Contains(other string) bool {
	if other == "" {
		return false
	}
	cleanOther := filepath.Clean(other)
	if cleanOther == c.path {
		return true
	}
	sep := string(filepath.Separator)
	if strings.HasPrefix(cleanOther, c.path+sep) {
		return true
	}
	if strings.HasPrefix(c.path, cleanOther+sep) {
		return true
	}
	return false
}

// Registry owns per-project component instances. It replaces the original
// module-level singleton maps so tests can construct private registries.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewRegistry creates an empty project registry
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]*Context)}
}

// Resolve returns the context for a path, creating it on first use
func (r *Registry) Resolve(path string) (*Context, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassInvalidRequest, "project path cannot be resolved").
			WithOperation("registry.Resolve")
	}
	key := filepath.Clean(abs)

	r.mu.RLock()
	ctx, ok := r.contexts[key]
	r.mu.RUnlock()
	if ok {
		return ctx, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.contexts[key]; ok {
		return ctx, nil
	}
	ctx, err = New(key)
	if err != nil {
		return nil, err
	}
	r.contexts[key] = ctx
	return ctx, nil
}

// Known returns the paths currently registered
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.contexts))
	for p := range r.contexts {
		paths = append(paths, p)
	}
	return paths
}
