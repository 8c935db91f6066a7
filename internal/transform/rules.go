package transform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/syncline/internal/value"
)

// Rule is a compiled per-field transform. The variant set is closed:
// Format, Lookup, Combine, Datetime, Number, AddressNormalize, Enrich,
// Extract and Compound.
type Rule interface {
	// Kind returns the configuration name of the rule ("format", "lookup", ...).
	Kind() string
	isRule()
}

// Format renders a template. {value} is the current field value; other
// placeholders resolve against the target record, then the source row.
type Format struct {
	Template string
}

// Lookup maps the stringified value through a table.
type Lookup struct {
	Table map[string]value.Value

	// Default replaces unmatched values unless KeepOriginal is set.
	Default      value.Value
	KeepOriginal bool
}

// Combine joins several fields with a separator. Null and missing fields
// are skipped.
type Combine struct {
	Fields    []string
	Separator string
}

// Datetime reparses a timestamp from one layout and renders it in another.
// Layouts are strftime patterns, Go layouts, or one of iso, date, datetime.
type Datetime struct {
	From string
	To   string

	fromLayout string
	toLayout   string
}

// Number scales, rounds and optionally formats a numeric value.
type Number struct {
	Scale float64

	// Round is the number of decimals kept when HasRound is set.
	Round    int
	HasRound bool

	// Format is empty (keep numeric), integer, thousands, currency, percent,
	// or a printf verb such as %.2f.
	Format string
}

// AddressNormalize rewrites street addresses. Style is standard (upper
// case with postal abbreviations) or title.
type AddressNormalize struct {
	Style string
}

// Enrich asks the configured Enricher for a derived value.
type Enrich struct {
	Enrichment string
}

// Extract evaluates a JSON path against the current value.
type Extract struct {
	Path    *Path
	Default value.Value
}

// Compound applies rules in order, each receiving the previous output.
type Compound struct {
	Rules []Rule
}

func (Format) Kind() string           { return "format" }
func (Lookup) Kind() string           { return "lookup" }
func (Combine) Kind() string          { return "combine" }
func (Datetime) Kind() string         { return "datetime" }
func (Number) Kind() string           { return "number" }
func (AddressNormalize) Kind() string { return "address_normalize" }
func (Enrich) Kind() string           { return "ai_enrich" }
func (Extract) Kind() string          { return "json_path" }
func (Compound) Kind() string         { return "compound" }

func (Format) isRule()           {}
func (Lookup) isRule()           {}
func (Combine) isRule()          {}
func (Datetime) isRule()         {}
func (Number) isRule()           {}
func (AddressNormalize) isRule() {}
func (Enrich) isRule()           {}
func (Extract) isRule()          {}
func (Compound) isRule()         {}

// RuleKinds lists the accepted rule type names.
var RuleKinds = []string{
	"format", "lookup", "combine", "datetime", "number",
	"address_normalize", "ai_enrich", "json_path", "compound",
}

// CompileRule turns a rule definition into its variant. The "type" key
// selects the variant; unknown types are an error.
func CompileRule(spec *value.Map) (Rule, error) {
	r := newSpecReader(spec, "rule")
	rule := compileRule(r)
	if len(r.problems) > 0 {
		return nil, errors.New(strings.Join(r.problems, "; "))
	}
	return rule, nil
}

func compileRule(r *specReader) Rule {
	kind := r.str(true, "type")
	if kind != "" {
		r.where = "rule " + kind
	}
	switch kind {
	case "":
		return nil
	case "format":
		return Format{Template: r.str(true, "template")}
	case "lookup":
		table := r.mapping(true, "map")
		l := Lookup{Table: map[string]value.Value{}, KeepOriginal: r.boolean("default_to_original"), Default: value.Null{}}
		if d, ok := r.raw("default"); ok {
			l.Default = d
		}
		if table != nil {
			table.Range(func(k string, v value.Value) bool {
				l.Table[k] = v
				return true
			})
		}
		return l
	case "combine":
		c := Combine{Fields: r.strings(true, "fields"), Separator: " "}
		if r.has("separator") {
			c.Separator = r.str(false, "separator")
		}
		if c.Fields != nil && len(c.Fields) == 0 {
			r.fail("fields must not be empty")
		}
		return c
	case "datetime":
		d := Datetime{From: r.str(false, "from", "source_format"), To: r.str(true, "to", "target_format")}
		var err error
		if d.From != "" {
			if d.fromLayout, err = goLayout(d.From); err != nil {
				r.fail("%v", err)
			}
		}
		if d.To != "" {
			if d.toLayout, err = goLayout(d.To); err != nil {
				r.fail("%v", err)
			}
		}
		return d
	case "number":
		n := Number{Scale: 1, Format: r.str(false, "format")}
		if s, ok := r.number("scale"); ok {
			n.Scale = s
		}
		if d, ok := r.number("round"); ok {
			if d < 0 || d != math.Trunc(d) {
				r.fail("round must be a non-negative integer")
			}
			n.Round, n.HasRound = int(d), true
		}
		switch {
		case n.Format == "", n.Format == "integer", n.Format == "thousands",
			n.Format == "currency", n.Format == "percent", strings.HasPrefix(n.Format, "%"):
		default:
			r.fail("unknown number format %q", n.Format)
		}
		return n
	case "address_normalize":
		a := AddressNormalize{Style: r.str(false, "style")}
		switch a.Style {
		case "":
			a.Style = "standard"
		case "standard", "upper", "title":
		default:
			r.fail("unknown address style %q", a.Style)
		}
		return a
	case "ai_enrich":
		return Enrich{Enrichment: r.str(true, "kind")}
	case "json_path":
		e := Extract{Default: value.Null{}}
		expr := r.str(true, "expr", "path")
		if expr != "" {
			p, err := CompilePath(expr)
			if err != nil {
				r.fail("%v", err)
			}
			e.Path = p
		}
		if d, ok := r.raw("default"); ok {
			e.Default = d
		}
		return e
	case "compound":
		c := Compound{}
		for i, sub := range r.maps(true, "rules") {
			sr := newSpecReader(sub, fmt.Sprintf("%s.rules[%d]", r.where, i))
			rule := compileRule(sr)
			r.problems = append(r.problems, sr.problems...)
			if rule != nil {
				c.Rules = append(c.Rules, rule)
			}
		}
		return c
	default:
		r.fail("unknown rule type %q", kind)
		return nil
	}
}

// scope resolves names used by templates, combine and conditions.
type scope struct {
	sourceID string
	source   *value.Map
	target   *value.Map
}

func (s *scope) lookup(name string) (value.Value, bool) {
	if name == "source_id" {
		return value.String(s.sourceID), true
	}
	if after, ok := strings.CutPrefix(name, "source."); ok {
		return value.GetPath(s.source, after)
	}
	if v, ok := value.GetPath(s.target, name); ok {
		return v, true
	}
	return value.GetPath(s.source, name)
}

func (s *scope) text(name string) (string, bool) {
	v, ok := s.lookup(name)
	if !ok {
		return "", false
	}
	return value.AsString(v), true
}

// applyRule runs one rule against the current field value.
func (t *Transformer) applyRule(ctx context.Context, rule Rule, in value.Value, sc *scope) (value.Value, error) {
	switch r := rule.(type) {
	case Format:
		return value.String(render(r.Template, func(name string) (string, bool) {
			if name == "value" {
				return value.AsString(in), true
			}
			return sc.text(name)
		})), nil

	case Lookup:
		if v, ok := r.Table[value.AsString(in)]; ok {
			return value.Clone(v), nil
		}
		if r.KeepOriginal {
			return in, nil
		}
		return value.Clone(r.Default), nil

	case Combine:
		parts := make([]string, 0, len(r.Fields))
		for _, f := range r.Fields {
			v, ok := sc.lookup(f)
			if !ok || value.IsNull(v) {
				continue
			}
			if s := value.AsString(v); s != "" {
				parts = append(parts, s)
			}
		}
		return value.String(strings.Join(parts, r.Separator)), nil

	case Datetime:
		return applyDatetime(r, in)

	case Number:
		return applyNumber(r, in)

	case AddressNormalize:
		if value.IsNull(in) {
			return in, nil
		}
		s, ok := in.(value.String)
		if !ok {
			return nil, fmt.Errorf("address must be a string, got %s", value.TypeName(in))
		}
		return value.String(normalizeAddress(string(s), r.Style)), nil

	case Enrich:
		if t.enricher == nil {
			return nil, errors.New("no enricher configured")
		}
		return t.enricher.Enrich(ctx, r.Enrichment, in, sc.source)

	case Extract:
		if v, ok := r.Path.Eval(in); ok {
			return v, nil
		}
		return value.Clone(r.Default), nil

	case Compound:
		cur := in
		for _, sub := range r.Rules {
			out, err := t.applyRule(ctx, sub, cur, sc)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", sub.Kind(), err)
			}
			cur = out
		}
		return cur, nil
	}
	return nil, fmt.Errorf("unhandled rule %T", rule)
}

func applyDatetime(r Datetime, in value.Value) (value.Value, error) {
	if value.IsNull(in) {
		return in, nil
	}
	var ts time.Time
	switch v := in.(type) {
	case value.Time:
		ts = v.T()
	case value.String:
		var err error
		if r.fromLayout != "" {
			ts, err = time.Parse(r.fromLayout, string(v))
			if err != nil {
				return nil, fmt.Errorf("parse %q as %s: %w", string(v), r.From, err)
			}
		} else {
			var ok bool
			if ts, ok = value.ParseTime(string(v)); !ok {
				return nil, fmt.Errorf("unrecognized timestamp %q", string(v))
			}
		}
	default:
		return nil, fmt.Errorf("datetime needs a string or time, got %s", value.TypeName(in))
	}
	return value.String(ts.Format(r.toLayout)), nil
}

var grouping = message.NewPrinter(language.English)

func applyNumber(r Number, in value.Value) (value.Value, error) {
	if value.IsNull(in) {
		return in, nil
	}
	f, ok := value.AsFloat(in)
	if !ok {
		return nil, fmt.Errorf("not a number: %q", value.AsString(in))
	}
	f *= r.Scale
	if r.HasRound {
		p := math.Pow(10, float64(r.Round))
		f = math.Round(f*p) / p
	}

	switch {
	case r.Format == "":
		_, wasInt := in.(value.Int)
		if f == math.Trunc(f) && (wasInt || (r.HasRound && r.Round == 0)) && math.Abs(f) < 1<<62 {
			return value.Int(int64(f)), nil
		}
		return value.Float(f), nil
	case r.Format == "integer":
		return value.Int(int64(math.Round(f))), nil
	case r.Format == "thousands":
		return value.String(groupThousands(f, r.decimals(-1))), nil
	case r.Format == "currency":
		s := groupThousands(math.Abs(f), r.decimals(2))
		if f < 0 {
			return value.String("-$" + s), nil
		}
		return value.String("$" + s), nil
	case r.Format == "percent":
		return value.String(strconv.FormatFloat(f, 'f', r.decimals(-1), 64) + "%"), nil
	default:
		return value.String(fmt.Sprintf(r.Format, f)), nil
	}
}

func (r Number) decimals(fallback int) int {
	if r.HasRound {
		return r.Round
	}
	return fallback
}

// groupThousands formats f with comma-grouped integer digits. decimals < 0
// keeps the shortest representation.
func groupThousands(f float64, decimals int) string {
	s := strconv.FormatFloat(math.Abs(f), 'f', decimals, 64)
	intPart, frac, hasFrac := strings.Cut(s, ".")
	n, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return strconv.FormatFloat(f, 'f', decimals, 64)
	}
	out := grouping.Sprintf("%d", n)
	if hasFrac {
		out += "." + frac
	}
	if f < 0 {
		out = "-" + out
	}
	return out
}

var addressAbbreviations = map[string]string{
	"STREET": "ST", "AVENUE": "AVE", "ROAD": "RD", "BOULEVARD": "BLVD",
	"DRIVE": "DR", "LANE": "LN", "COURT": "CT", "PLACE": "PL",
	"TERRACE": "TER", "PARKWAY": "PKWY", "HIGHWAY": "HWY", "CIRCLE": "CIR",
	"SQUARE": "SQ", "NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
	"NORTHEAST": "NE", "NORTHWEST": "NW", "SOUTHEAST": "SE", "SOUTHWEST": "SW",
	"APARTMENT": "APT", "SUITE": "STE", "BUILDING": "BLDG", "FLOOR": "FL",
}

var titleCaser = cases.Title(language.English)

func normalizeAddress(s, style string) string {
	words := strings.Fields(s)
	for i, w := range words {
		comma := strings.HasSuffix(w, ",")
		w = strings.TrimRight(w, ".,")
		upper := strings.ToUpper(w)
		if abbr, ok := addressAbbreviations[upper]; ok {
			upper = abbr
		}
		if comma {
			upper += ","
		}
		words[i] = upper
	}
	out := strings.Join(words, " ")
	if style == "title" {
		return titleCaser.String(strings.ToLower(out))
	}
	return out
}
