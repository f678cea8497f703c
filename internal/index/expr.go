package index

import (
	"fmt"
	"strings"
	"unicode"
)

// Expr is a parsed filter expression.
type Expr interface {
	// Match evaluates the expression against d.
	Match(d Document) bool
	// sql renders the expression as a SQL predicate, appending bind values
	// to args. ph formats the placeholder for the n-th argument (1-based).
	sql(ph func(n int) string, args *[]any) string
}

// filterFields maps filterable fields to their column names.
var filterFields = map[string]func(Document) string{
	"id":       func(d Document) string { return d.ID },
	"name":     func(d Document) string { return d.Name },
	"category": func(d Document) string { return d.Category },
	"brand":    func(d Document) string { return d.Brand },
	"color":    func(d Document) string { return d.Color },
	"size":     func(d Document) string { return d.Size },
	"material": func(d Document) string { return d.Material },
}

type cmpExpr struct {
	field string
	neg   bool
	value string
}

func (e cmpExpr) Match(d Document) bool {
	return (filterFields[e.field](d) == e.value) != e.neg
}

func (e cmpExpr) sql(ph func(int) string, args *[]any) string {
	*args = append(*args, e.value)
	op := "="
	if e.neg {
		op = "<>"
	}
	return e.field + " " + op + " " + ph(len(*args))
}

type boolExpr struct {
	and   bool
	terms []Expr
}

func (e boolExpr) Match(d Document) bool {
	for _, t := range e.terms {
		if t.Match(d) != e.and {
			return !e.and
		}
	}
	return e.and
}

func (e boolExpr) sql(ph func(int) string, args *[]any) string {
	parts := make([]string, len(e.terms))
	for i, t := range e.terms {
		parts[i] = t.sql(ph, args)
	}
	sep := " OR "
	if e.and {
		sep = " AND "
	}
	return "(" + strings.Join(parts, sep) + ")"
}

type notExpr struct {
	inner Expr
}

func (e notExpr) Match(d Document) bool { return !e.inner.Match(d) }

func (e notExpr) sql(ph func(int) string, args *[]any) string {
	return "NOT " + e.inner.sql(ph, args)
}

// matchAll is the expression for an empty filter.
type matchAll struct{}

func (matchAll) Match(Document) bool                 { return true }
func (matchAll) sql(func(int) string, *[]any) string { return "1 = 1" }

// ParseFilter parses a filter expression. Supported syntax: field eq 'v',
// field ne 'v', and, or, not, parentheses; literals use '' for a quote.
// An empty expression matches every document.
func ParseFilter(s string) (Expr, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return matchAll{}, nil
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("filter: unexpected %q at offset %d", p.toks[p.pos].text, p.toks[p.pos].off)
	}
	return e, nil
}

// WhereClause renders filter as a SQL predicate with the placeholder style
// ph. args continue after any already bound.
func WhereClause(filter string, ph func(n int) string, args []any) (string, []any, error) {
	e, err := ParseFilter(filter)
	if err != nil {
		return "", nil, err
	}
	where := e.sql(ph, &args)
	return where, args, nil
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	off  int
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
		case r == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(rs) {
				if rs[i] == '\'' {
					if i+1 < len(rs) && rs[i+1] == '\'' {
						b.WriteRune('\'')
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
				return nil, fmt.Errorf("filter: unterminated string at offset %d", start)
			}
			toks = append(toks, token{tokString, b.String(), start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_') {
				i++
			}
			toks = append(toks, token{tokIdent, string(rs[start:i]), start})
		default:
			return nil, fmt.Errorf("filter: unexpected character %q at offset %d", r, i)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peekKeyword(kw string) bool {
	return p.pos < len(p.toks) && p.toks[p.pos].kind == tokIdent && strings.EqualFold(p.toks[p.pos].text, kw)
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peekKeyword("or") {
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return boolExpr{and: false, terms: terms}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peekKeyword("and") {
		p.pos++
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return boolExpr{and: true, terms: terms}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peekKeyword("not") {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.pos >= len(p.toks) {
		return nil, fmt.Errorf("filter: unexpected end of expression")
	}
	t := p.toks[p.pos]
	if t.kind == tokLParen {
		p.pos++
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokRParen {
			return nil, fmt.Errorf("filter: missing ) for ( at offset %d", t.off)
		}
		p.pos++
		return e, nil
	}
	if t.kind != tokIdent {
		return nil, fmt.Errorf("filter: expected field name at offset %d", t.off)
	}
	field := strings.ToLower(t.text)
	if _, ok := filterFields[field]; !ok {
		return nil, fmt.Errorf("filter: field %q is not filterable", t.text)
	}
	if p.pos+2 >= len(p.toks) {
		return nil, fmt.Errorf("filter: incomplete comparison at offset %d", t.off)
	}
	op := p.toks[p.pos+1]
	lit := p.toks[p.pos+2]
	var neg bool
	switch {
	case op.kind == tokIdent && strings.EqualFold(op.text, "eq"):
	case op.kind == tokIdent && strings.EqualFold(op.text, "ne"):
		neg = true
	default:
		return nil, fmt.Errorf("filter: expected eq or ne at offset %d", op.off)
	}
	if lit.kind != tokString {
		return nil, fmt.Errorf("filter: expected string literal at offset %d", lit.off)
	}
	p.pos += 3
	return cmpExpr{field: field, neg: neg, value: lit.text}, nil
}
