package vql

import (
	"fmt"
	"strings"
	"text/scanner"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOperator // = != > < >= <= LIKE is handled as an ident keyword
	tokenComma
	tokenLParen
	tokenRParen
	tokenStar
)

type token struct {
	typ  tokenType
	text string
}

// lex splits a statement into tokens. Strings may be single or double
// quoted; comparison operators are folded into single tokens.
func lex(input string) ([]token, error) {
	var s scanner.Scanner
	s.Init(strings.NewReader(input))
	s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanStrings
	var scanErr error
	s.Error = func(_ *scanner.Scanner, msg string) {
		if scanErr == nil {
			scanErr = fmt.Errorf("lex error: %s", msg)
		}
	}

	var tokens []token
	for tok := s.Scan(); tok != scanner.EOF; tok = s.Scan() {
		if scanErr != nil {
			return nil, scanErr
		}
		switch tok {
		case scanner.Ident:
			tokens = append(tokens, token{tokenIdent, s.TokenText()})
		case scanner.Int, scanner.Float:
			tokens = append(tokens, token{tokenNumber, s.TokenText()})
		case scanner.String:
			text := s.TokenText()
			tokens = append(tokens, token{tokenString, strings.Trim(text, `"`)})
		case '\'':
			// single-quoted string, scanned by hand
			var sb strings.Builder
			for {
				r := s.Next()
				if r == scanner.EOF {
					return nil, fmt.Errorf("unterminated string literal")
				}
				if r == '\'' {
					break
				}
				sb.WriteRune(r)
			}
			tokens = append(tokens, token{tokenString, sb.String()})
		case ',':
			tokens = append(tokens, token{tokenComma, ","})
		case '(':
			tokens = append(tokens, token{tokenLParen, "("})
		case ')':
			tokens = append(tokens, token{tokenRParen, ")"})
		case '*':
			tokens = append(tokens, token{tokenStar, "*"})
		case '=':
			tokens = append(tokens, token{tokenOperator, "="})
		case '>', '<', '!':
			op := string(rune(tok))
			if s.Peek() == '=' {
				s.Next()
				op += "="
			}
			if op == "!" {
				return nil, fmt.Errorf("unexpected character %q", op)
			}
			tokens = append(tokens, token{tokenOperator, op})
		case '-':
			// only valid as a numeric sign
			next := s.Scan()
			if next != scanner.Int && next != scanner.Float {
				return nil, fmt.Errorf("unexpected character %q", "-")
			}
			tokens = append(tokens, token{tokenNumber, "-" + s.TokenText()})
		default:
			return nil, fmt.Errorf("unexpected character %q", string(rune(tok)))
		}
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return tokens, nil
}
