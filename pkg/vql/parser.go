package vql

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Parse turns a statement into a Query. Parsing is purely structural;
// whitelist and complexity checks happen in Validate.
func Parse(input string) (*Query, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	return p.parseQuery()
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos >= len(p.tokens) {
		return token{typ: tokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expectKeyword(kw string) error {
	t := p.next()
	if t.typ != tokenIdent || !strings.EqualFold(t.text, kw) {
		return errors.Errorf("expected %s, got %q", kw, t.text)
	}
	return nil
}

func (p *parser) atKeyword(kw string) bool {
	t := p.peek()
	return t.typ == tokenIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) parseQuery() (*Query, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}

	q := &Query{}
	for {
		f, err := p.parseField()
		if err != nil {
			return nil, err
		}
		q.Fields = append(q.Fields, *f)
		if p.peek().typ != tokenComma {
			break
		}
		p.next()
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	t := p.next()
	if t.typ != tokenIdent {
		return nil, errors.Errorf("expected table name, got %q", t.text)
	}
	q.Table = strings.ToLower(t.text)

	if p.atKeyword("WHERE") {
		p.next()
		for {
			cond, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			q.Where = append(q.Where, *cond)
			if !p.atKeyword("AND") {
				break
			}
			p.next()
		}
	}

	if p.atKeyword("GROUP") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			t := p.next()
			if t.typ != tokenIdent {
				return nil, errors.Errorf("expected column in GROUP BY, got %q", t.text)
			}
			q.GroupBy = append(q.GroupBy, strings.ToLower(t.text))
			if p.peek().typ != tokenComma {
				break
			}
			p.next()
		}
	}

	if p.atKeyword("ORDER") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			o, err := p.parseOrder()
			if err != nil {
				return nil, err
			}
			q.OrderBy = append(q.OrderBy, *o)
			if p.peek().typ != tokenComma {
				break
			}
			p.next()
		}
	}

	if p.atKeyword("LIMIT") {
		p.next()
		t := p.next()
		if t.typ != tokenNumber {
			return nil, errors.Errorf("expected number after LIMIT, got %q", t.text)
		}
		limit, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, errors.Errorf("invalid LIMIT %q", t.text)
		}
		q.Limit = &limit
	}

	if t := p.peek(); t.typ != tokenEOF {
		return nil, errors.Errorf("unexpected trailing input at %q", t.text)
	}
	return q, nil
}

func (p *parser) parseField() (*Field, error) {
	t := p.next()
	switch t.typ {
	case tokenStar:
		return &Field{Column: "*"}, nil
	case tokenIdent:
	default:
		return nil, errors.Errorf("expected field, got %q", t.text)
	}

	f := &Field{}
	if p.peek().typ == tokenLParen {
		f.Func = strings.ToUpper(t.text)
		p.next()
		arg := p.next()
		switch arg.typ {
		case tokenStar:
			f.Column = "*"
		case tokenIdent:
			f.Column = strings.ToLower(arg.text)
		default:
			return nil, errors.Errorf("expected column in %s(), got %q", f.Func, arg.text)
		}
		if p.peek().typ == tokenComma {
			p.next()
			n := p.next()
			if n.typ != tokenNumber {
				return nil, errors.Errorf("expected percentile number, got %q", n.text)
			}
			pct, err := strconv.Atoi(n.text)
			if err != nil {
				return nil, errors.Errorf("invalid percentile %q", n.text)
			}
			f.Percentile = pct
		}
		if t := p.next(); t.typ != tokenRParen {
			return nil, errors.Errorf("expected ), got %q", t.text)
		}
	} else {
		f.Column = strings.ToLower(t.text)
	}

	if p.atKeyword("AS") {
		p.next()
		alias := p.next()
		if alias.typ != tokenIdent {
			return nil, errors.Errorf("expected alias after AS, got %q", alias.text)
		}
		f.Alias = strings.ToLower(alias.text)
	}
	return f, nil
}

func (p *parser) parseCondition() (*Condition, error) {
	field := p.next()
	if field.typ != tokenIdent {
		return nil, errors.Errorf("expected column in WHERE, got %q", field.text)
	}

	var op string
	t := p.next()
	switch {
	case t.typ == tokenOperator:
		op = t.text
	case t.typ == tokenIdent && strings.EqualFold(t.text, "LIKE"):
		op = "LIKE"
	default:
		return nil, errors.Errorf("expected operator, got %q", t.text)
	}

	val := p.next()
	cond := &Condition{Field: strings.ToLower(field.text), Operator: op}
	switch val.typ {
	case tokenString:
		cond.Value = val.text
	case tokenNumber:
		cond.Value = val.text
		cond.Numeric = true
	case tokenIdent:
		// bare words act as string literals, matching lenient agents
		cond.Value = val.text
	default:
		return nil, errors.Errorf("expected value, got %q", val.text)
	}
	return cond, nil
}

func (p *parser) parseOrder() (*Order, error) {
	f, err := p.parseField()
	if err != nil {
		return nil, err
	}
	o := &Order{Expr: *f}
	if p.atKeyword("ASC") {
		p.next()
	} else if p.atKeyword("DESC") {
		p.next()
		o.Descending = true
	}
	return o, nil
}
