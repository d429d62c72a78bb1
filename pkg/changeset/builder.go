package changeset

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Renderer writes a tree as a change-set document.
type Renderer interface {
	Render(w io.Writer, tree *Tree, s Strategy) error
}

// RendererFor returns the renderer for a file format.
func RendererFor(format Format, now func() time.Time) (Renderer, error) {
	switch format {
	case Format3GPP:
		return &XMLRenderer{Now: now}, nil
	case FormatDynamic:
		return FlatRenderer{}, nil
	default:
		return nil, fmt.Errorf("invalid file format: %s", format)
	}
}

// Builder materializes change-set files.
type Builder struct {
	Format   Format
	Strategy Strategy
	Now      func() time.Time
}

// NewBuilder returns a builder for a set change-set using the given overrides.
func NewBuilder(format Format, values Overrides) *Builder {
	return &Builder{Format: format, Strategy: values}
}

// NewObjectBuilder returns a builder for a create or delete change-set.
func NewObjectBuilder(format Format, op Operation) *Builder {
	return &Builder{Format: format, Strategy: ObjectAttributes{Operation: op}}
}

// Build renders the tree fully in memory. Nothing is returned on error, so
// callers never see a partial document.
func (b *Builder) Build(tree *Tree) ([]byte, error) {
	if tree == nil {
		return nil, fmt.Errorf("tree is nil")
	}
	if b.Strategy == nil {
		return nil, fmt.Errorf("no strategy configured")
	}
	r, err := RendererFor(b.Format, b.Now)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := r.Render(&buf, tree, b.Strategy); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile renders the tree and writes it to path, creating parent directories.
func (b *Builder) WriteFile(path string, tree *Tree) error {
	data, err := b.Build(tree)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write change-set %s: %w", path, err)
	}
	return nil
}

// Build renders a tree for one operation. values is only consulted for OperationSet.
func Build(format Format, tree *Tree, op Operation, values Overrides) ([]byte, error) {
	s, err := NewStrategy(op, values)
	if err != nil {
		return nil, err
	}
	return (&Builder{Format: format, Strategy: s}).Build(tree)
}
