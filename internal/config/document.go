package config

import (
	"fmt"
	"strings"

	"github.com/roach88/syncline/internal/value"
)

// Position locates a node in a source file.
type Position struct {
	File   string
	Line   int
	Column int
}

// IsValid reports whether the position carries a line.
func (p Position) IsValid() bool {
	return p.Line > 0
}

func (p Position) String() string {
	if !p.IsValid() {
		return p.File
	}
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// Document is a parsed configuration tree. Positions maps node paths, as
// built by childPath and itemPath, to where they were written.
type Document struct {
	Root      *value.Map
	Positions map[string]Position
}

func newDocument() *Document {
	return &Document{Root: value.NewMap(), Positions: map[string]Position{}}
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func itemPath(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}

// Problem is one configuration defect.
type Problem struct {
	Path    string
	Pos     Position
	Message string
}

func (p Problem) String() string {
	var b strings.Builder
	if p.Pos.IsValid() {
		b.WriteString(p.Pos.String())
		b.WriteString(": ")
	}
	if p.Path != "" {
		b.WriteString(p.Path)
		b.WriteString(": ")
	}
	b.WriteString(p.Message)
	return b.String()
}

// Errors collects every problem found in a document.
type Errors []Problem

func (e Errors) Error() string {
	switch len(e) {
	case 0:
		return "no configuration errors"
	case 1:
		return e[0].String()
	}
	lines := make([]string, len(e))
	for i, p := range e {
		lines[i] = p.String()
	}
	return fmt.Sprintf("%d configuration errors:\n  %s", len(e), strings.Join(lines, "\n  "))
}
