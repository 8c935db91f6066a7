package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncline/internal/value"
)

// ParseYAML parses a YAML (or JSON) document. Mapping keys keep their
// order.
func ParseYAML(file string, data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, Errors{{Pos: Position{File: file}, Message: err.Error()}}
	}
	doc := newDocument()
	if root.Kind == 0 || len(root.Content) == 0 {
		return doc, nil
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, Errors{{Pos: yamlPos(file, top), Message: "document must be a mapping"}}
	}
	p := &yamlParser{file: file, doc: doc}
	v := p.node(top, "")
	if len(p.errs) > 0 {
		return nil, p.errs
	}
	doc.Root = v.(*value.Map)
	return doc, nil
}

type yamlParser struct {
	file string
	doc  *Document
	errs Errors
}

func yamlPos(file string, n *yaml.Node) Position {
	return Position{File: file, Line: n.Line, Column: n.Column}
}

func (p *yamlParser) node(n *yaml.Node, path string) value.Value {
	p.doc.Positions[path] = yamlPos(p.file, n)
	switch n.Kind {
	case yaml.AliasNode:
		return p.node(n.Alias, path)
	case yaml.MappingNode:
		m := value.NewMap()
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if key.Kind != yaml.ScalarNode {
				p.errs = append(p.errs, Problem{Path: path, Pos: yamlPos(p.file, key), Message: "mapping keys must be scalars"})
				continue
			}
			if m.Has(key.Value) {
				p.errs = append(p.errs, Problem{Path: childPath(path, key.Value), Pos: yamlPos(p.file, key), Message: "duplicate key"})
				continue
			}
			m.Set(key.Value, p.node(val, childPath(path, key.Value)))
		}
		return m
	case yaml.SequenceNode:
		list := make(value.List, 0, len(n.Content))
		for i, item := range n.Content {
			list = append(list, p.node(item, itemPath(path, i)))
		}
		return list
	case yaml.ScalarNode:
		v, err := yamlScalar(n)
		if err != nil {
			p.errs = append(p.errs, Problem{Path: path, Pos: yamlPos(p.file, n), Message: err.Error()})
			return value.Null{}
		}
		return v
	default:
		p.errs = append(p.errs, Problem{Path: path, Pos: yamlPos(p.file, n), Message: fmt.Sprintf("unsupported node kind %d", n.Kind)})
		return value.Null{}
	}
}

func yamlScalar(n *yaml.Node) (value.Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return value.Null{}, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, err
		}
		return value.Bool(b), nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return nil, err
		}
		return value.Int(i), nil
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return nil, err
		}
		return value.Float(f), nil
	default:
		return value.String(n.Value), nil
	}
}
