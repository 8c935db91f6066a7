package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/syncline/internal/value"
)

// ParseCUE evaluates a CUE document. The result must be concrete; struct
// fields keep their declaration order.
func ParseCUE(file string, data []byte) (*Document, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(file))
	if err := v.Err(); err != nil {
		return nil, cueProblems(file, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueProblems(file, err)
	}
	if v.Kind() != cue.StructKind {
		return nil, Errors{{Pos: cuePos(file, v.Pos()), Message: "document must be a struct"}}
	}

	doc := newDocument()
	p := &cueParser{file: file, doc: doc}
	root := p.node(v, "")
	if len(p.errs) > 0 {
		return nil, p.errs
	}
	doc.Root = root.(*value.Map)
	return doc, nil
}

// cueProblems flattens a CUE error list, keeping the first position of
// each error.
func cueProblems(file string, err error) Errors {
	var out Errors
	for _, e := range cueerrors.Errors(err) {
		pr := Problem{Pos: Position{File: file}, Message: e.Error()}
		if positions := cueerrors.Positions(e); len(positions) > 0 {
			pr.Pos = cuePos(file, positions[0])
		}
		out = append(out, pr)
	}
	if len(out) == 0 {
		out = append(out, Problem{Pos: Position{File: file}, Message: err.Error()})
	}
	return out
}

func cuePos(file string, pos token.Pos) Position {
	if !pos.IsValid() {
		return Position{File: file}
	}
	name := pos.Filename()
	if name == "" {
		name = file
	}
	return Position{File: name, Line: pos.Line(), Column: pos.Column()}
}

type cueParser struct {
	file string
	doc  *Document
	errs Errors
}

func (p *cueParser) fail(path string, v cue.Value, format string, args ...any) {
	p.errs = append(p.errs, Problem{Path: path, Pos: cuePos(p.file, v.Pos()), Message: fmt.Sprintf(format, args...)})
}

func (p *cueParser) node(v cue.Value, path string) value.Value {
	p.doc.Positions[path] = cuePos(p.file, v.Pos())
	switch v.Kind() {
	case cue.StructKind:
		m := value.NewMap()
		iter, err := v.Fields()
		if err != nil {
			p.fail(path, v, "iterating fields: %v", err)
			return m
		}
		for iter.Next() {
			label := iter.Selector().Unquoted()
			m.Set(label, p.node(iter.Value(), childPath(path, label)))
		}
		return m
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			p.fail(path, v, "iterating list: %v", err)
			return value.List{}
		}
		list := value.List{}
		for i := 0; iter.Next(); i++ {
			list = append(list, p.node(iter.Value(), itemPath(path, i)))
		}
		return list
	case cue.NullKind:
		return value.Null{}
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			p.fail(path, v, "%v", err)
		}
		return value.Bool(b)
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			p.fail(path, v, "%v", err)
		}
		return value.Int(i)
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			p.fail(path, v, "%v", err)
		}
		return value.Float(f)
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			p.fail(path, v, "%v", err)
		}
		return value.String(s)
	case cue.BytesKind:
		b, err := v.Bytes()
		if err != nil {
			p.fail(path, v, "%v", err)
		}
		return value.Bytes(b)
	default:
		p.fail(path, v, "value is not concrete")
		return value.Null{}
	}
}
