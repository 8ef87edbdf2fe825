package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines file-backed prompt templates to a configured root so a
// template path from configuration can never read outside it.
type Sandbox struct {
	root string
}

// NewSandbox canonicalizes the root and verifies it is an existing directory;
// path containment checks depend on both.
func NewSandbox(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

// Root exposes the canonical directory for logs and tests.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps a relative or absolute template path into the sandbox,
// rejecting anything that escapes it via ".." or symlinks.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." || cleaned == "" {
		return s.root, nil
	}
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(s.root, cleaned)
	}
	cleaned = filepath.Clean(cleaned)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if !s.contains(cleaned) {
				return "", fmt.Errorf("templates: path %q escapes sandbox", path)
			}
			return "", fmt.Errorf("templates: resolve %q: %w", path, err)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.contains(resolved) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	return resolved, nil
}

func (s *Sandbox) contains(candidate string) bool {
	if s.root == candidate {
		return true
	}
	prefix := s.root
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, prefix)
}
