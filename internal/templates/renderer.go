// Package templates renders the assembled-prompt layout. Operators can swap
// the default Context/Question shape for their own inline or file-backed
// template; sprig provides the helper functions, minus anything that reaches
// into the process environment or filesystem.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles prompt templates. File-backed templates resolve through
// the sandbox; a nil sandbox leaves only inline templates available.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled prompt layout, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer builds a renderer. Sprig's environment and filesystem helpers
// are removed: prompt templates format text, they do not inspect the host.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	} {
		delete(funcs, name)
	}
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// Sandbox exposes the renderer's sandbox for observability and testing.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses an inline template source. Whitespace-only sources
// return nil without error so optional configuration fields stay simple.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile resolves and parses a template file via the sandbox.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// Render executes the template with the supplied data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name reports the logical template name for logging.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
