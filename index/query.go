package index

import (
	"fmt"
	"strings"

	"github.com/EUDAT-DTR/DTR-sub002/core"
)

// QueryKind discriminates query tree nodes.
type QueryKind int

const (
	// TermQuery matches documents whose field contains the term as a
	// full-text token.
	TermQuery QueryKind = iota
	// PhraseQuery matches the exact stored value of a field.
	PhraseQuery
	// AndQuery, OrQuery and NotQuery combine child queries.
	AndQuery
	OrQuery
	NotQuery
	// AllQuery matches every document.
	AllQuery
)

// Query is a parsed query tree.
type Query struct {
	Kind     QueryKind
	Field    string // empty means all fields
	Term     string
	Children []*Query
}

func Term(field, term string) *Query { return &Query{Kind: TermQuery, Field: field, Term: term} }
func Phrase(field, v string) *Query  { return &Query{Kind: PhraseQuery, Field: field, Term: v} }
func And(children ...*Query) *Query  { return &Query{Kind: AndQuery, Children: children} }
func Or(children ...*Query) *Query   { return &Query{Kind: OrQuery, Children: children} }
func Not(child *Query) *Query        { return &Query{Kind: NotQuery, Children: []*Query{child}} }
func All() *Query                    { return &Query{Kind: AllQuery} }

// NeedsReindexQuery selects every document NOT built by the given builder
// version marker. The reindex sweeper feeds its matches to the rebuild
// pool.
func NeedsReindexQuery(builderVersion string) *Query {
	return Not(Phrase(core.FieldBuilderVersion, builderVersion))
}

// EscapeQuery escapes the path-separator character so ids like "prefix/1"
// can appear in a query verbatim. The search coordinator applies it once
// when a raw query fails to parse.
func EscapeQuery(q string) string {
	return strings.ReplaceAll(q, "/", "\\/")
}

// syntaxError produces the ApplicationError every malformed query maps to.
func syntaxError(format string, args ...any) error {
	return &core.ApplicationError{Message: "bad query syntax: " + fmt.Sprintf(format, args...)}
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokColon
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var toks []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			i++
		case r == ':':
			toks = append(toks, token{kind: tokColon})
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case r == '"':
			i++
			var b strings.Builder
			for i < len(runes) && runes[i] != '"' {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				b.WriteRune(runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, syntaxError("unterminated quoted phrase")
			}
			i++ // closing quote
			toks = append(toks, token{kind: tokQuoted, text: b.String()})
		case r == '/':
			return nil, syntaxError("unescaped '/' at position %d", i)
		default:
			var b strings.Builder
			for i < len(runes) {
				r := runes[i]
				if r == ' ' || r == '\t' || r == '\n' || r == '\r' ||
					r == ':' || r == '(' || r == ')' || r == '"' || r == '/' {
					break
				}
				if r == '\\' && i+1 < len(runes) {
					i++
					r = runes[i]
				}
				b.WriteRune(r)
				i++
			}
			word := b.String()
			switch word {
			case "AND":
				toks = append(toks, token{kind: tokAnd})
			case "OR":
				toks = append(toks, token{kind: tokOr})
			case "NOT":
				toks = append(toks, token{kind: tokNot})
			default:
				toks = append(toks, token{kind: tokWord, text: word})
			}
		}
	}
	return toks, nil
}

// Parse turns a query string into a query tree. The grammar is the small
// repository query language: bare terms, field:term, field:"exact value",
// AND/OR/NOT, parentheses; juxtaposition means AND.
func Parse(input string) (*Query, error) {
	if strings.TrimSpace(input) == "" {
		return nil, syntaxError("empty query")
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	q, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, syntaxError("unexpected trailing input")
	}
	return q, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseOr() (*Query, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*Query{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return Or(children...), nil
}

func (p *parser) parseAnd() (*Query, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []*Query{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind == tokOr || t.kind == tokRParen {
			break
		}
		if t.kind == tokAnd {
			p.pos++
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return And(children...), nil
}

func (p *parser) parseUnary() (*Query, error) {
	t, ok := p.peek()
	if !ok {
		return nil, syntaxError("unexpected end of query")
	}
	if t.kind == tokNot {
		p.pos++
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (*Query, error) {
	t, ok := p.peek()
	if !ok {
		return nil, syntaxError("unexpected end of query")
	}
	switch t.kind {
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, syntaxError("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokWord, tokQuoted:
		p.pos++
		next, ok := p.peek()
		if t.kind == tokWord && ok && next.kind == tokColon {
			p.pos++
			value, ok := p.peek()
			if !ok {
				return nil, syntaxError("field '%s' has no value", t.text)
			}
			switch value.kind {
			case tokWord:
				p.pos++
				return Term(strings.ToLower(t.text), value.text), nil
			case tokQuoted:
				p.pos++
				return Phrase(strings.ToLower(t.text), value.text), nil
			default:
				return nil, syntaxError("field '%s' has no value", t.text)
			}
		}
		if t.kind == tokQuoted {
			return Phrase("", t.text), nil
		}
		return Term("", t.text), nil
	default:
		return nil, syntaxError("unexpected token")
	}
}
