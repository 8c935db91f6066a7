package queryir

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/roach88/syncline/internal/value"
)

// ParsePredicate parses a filter expression such as
//
//	land_value > 150000 AND (county = 'Travis' OR county IN ('Hays', 'Bastrop'))
//
// into a Predicate. Literals are lifted into parameters named prefix_0,
// prefix_1, ... and returned alongside the predicate, so no value is ever
// spliced into statement text.
//
// Supported: comparisons (= == != <> < <= > >=), IN (...), NOT IN (...),
// IS [NOT] NULL, AND, OR and parentheses. Keywords are case-insensitive. Strings use single or double quotes with
// doubled quotes as escapes.
func ParsePredicate(expr, prefix string) (Predicate, map[string]value.Value, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, nil, err
	}
	p := &parser{toks: toks, prefix: prefix, params: map[string]value.Value{}}
	pred, err := p.parseOr()
	if err != nil {
		return nil, nil, err
	}
	if !p.atEnd() {
		return nil, nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return pred, p.params, nil
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '\'' || r == '"':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(rs) {
				if rs[i] == r {
					if i+1 < len(rs) && rs[i+1] == r {
						b.WriteRune(r)
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteRune(rs[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			toks = append(toks, token{tokString, b.String(), start})
		case strings.ContainsRune("=!<>", r):
			start := i
			i++
			if i < len(rs) && (rs[i] == '=' || (r == '<' && rs[i] == '>')) {
				i++
			}
			text := string(rs[start:i])
			if text == "!" {
				return nil, fmt.Errorf("unexpected '!' at offset %d", start)
			}
			toks = append(toks, token{tokOp, text, start})
		case r == '-' || r == '+' || r == '.' || unicode.IsDigit(r):
			start := i
			i++
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E' ||
				((rs[i] == '-' || rs[i] == '+') && (rs[i-1] == 'e' || rs[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{tokNumber, string(rs[start:i]), start})
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(rs) && (rs[i] == '_' || rs[i] == '.' || unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i])) {
				i++
			}
			toks = append(toks, token{tokIdent, string(rs[start:i]), start})
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	return toks, nil
}

type parser struct {
	toks   []token
	i      int
	prefix string
	params map[string]value.Value
}

func (p *parser) atEnd() bool { return p.i >= len(p.toks) }

func (p *parser) peek() token {
	if p.atEnd() {
		return token{kind: -1, pos: -1}
	}
	return p.toks[p.i]
}

func (p *parser) next() token {
	t := p.peek()
	p.i++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.i++
		return true
	}
	return false
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return left, nil
	}
	return Or{Predicates: preds}, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for p.keyword("AND") {
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return left, nil
	}
	return And{Predicates: preds}, nil
}

func (p *parser) parseTerm() (Predicate, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')'")
		}
		return inner, nil
	}
	col := p.next()
	if col.kind != tokIdent {
		return nil, fmt.Errorf("expected column name, got %q", col.text)
	}
	if !ValidIdent(col.text) {
		return nil, fmt.Errorf("invalid column name %q", col.text)
	}

	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, fmt.Errorf("expected NULL after IS")
		}
		return IsNull{Column: col.text, Negate: negate}, nil
	}
	if p.keyword("NOT") {
		if !p.keyword("IN") {
			return nil, fmt.Errorf("expected IN after NOT")
		}
		in, err := p.parseInList(col.text)
		if err != nil {
			return nil, err
		}
		// NOT IN (a, b) == col != a AND col != b
		var preds []Predicate
		for _, name := range in.Params {
			preds = append(preds, Compare{Column: col.text, Op: OpNe, Param: name})
		}
		return And{Predicates: preds}, nil
	}
	if p.keyword("IN") {
		return p.parseInList(col.text)
	}

	opTok := p.next()
	if opTok.kind != tokOp {
		return nil, fmt.Errorf("expected operator after %q", col.text)
	}
	op, err := parseOp(opTok.text)
	if err != nil {
		return nil, err
	}
	name, err := p.literal()
	if err != nil {
		return nil, err
	}
	return Compare{Column: col.text, Op: op, Param: name}, nil
}

func (p *parser) parseInList(column string) (In, error) {
	if p.next().kind != tokLParen {
		return In{}, fmt.Errorf("expected '(' after IN")
	}
	in := In{Column: column}
	for {
		name, err := p.literal()
		if err != nil {
			return In{}, err
		}
		in.Params = append(in.Params, name)
		t := p.next()
		if t.kind == tokRParen {
			return in, nil
		}
		if t.kind != tokComma {
			return In{}, fmt.Errorf("expected ',' or ')' in IN list")
		}
	}
}

// literal consumes one literal and registers it as a parameter.
func (p *parser) literal() (string, error) {
	t := p.next()
	var v value.Value
	switch t.kind {
	case tokNumber:
		if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			v = value.Int(n)
		} else if f, err := strconv.ParseFloat(t.text, 64); err == nil {
			v = value.Float(f)
		} else {
			return "", fmt.Errorf("invalid number %q", t.text)
		}
	case tokString:
		v = value.String(t.text)
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			v = value.Bool(true)
		case "false":
			v = value.Bool(false)
		default:
			return "", fmt.Errorf("expected literal, got %q", t.text)
		}
	default:
		if t.pos < 0 {
			return "", fmt.Errorf("unexpected end of expression")
		}
		return "", fmt.Errorf("expected literal, got %q", t.text)
	}
	name := fmt.Sprintf("%s_%d", p.prefix, len(p.params))
	p.params[name] = v
	return name, nil
}

func parseOp(s string) (Op, error) {
	switch s {
	case "=", "==":
		return OpEq, nil
	case "!=", "<>":
		return OpNe, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}
