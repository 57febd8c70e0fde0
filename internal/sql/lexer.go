// Package sql tokenizes and parses the engine's SQL dialect.
//
// The dialect is a small subset of standard SQL extended with the vector
// distance operator <-> and vector literals written as [x, y, ...].
package sql

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hupe1980/vectra/internal/errs"
)

// TokenKind classifies a token.
type TokenKind uint8

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenQuotedIdent
	TokenNumber
	TokenString
	TokenOp
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "end of input"
	case TokenIdent, TokenQuotedIdent:
		return "identifier"
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	default:
		return "operator"
	}
}

// Token is a lexical token. Pos is the byte offset in the input.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

func (t Token) String() string {
	if t.Kind == TokenEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.Text)
}

// is reports whether t is the keyword or operator s (keywords are
// case-insensitive).
func (t Token) is(s string) bool {
	switch t.Kind {
	case TokenIdent:
		return strings.EqualFold(t.Text, s)
	case TokenOp:
		return t.Text == s
	}
	return false
}

var operators = []string{"<->", "<=", ">=", "<>", "!=", "||", "(", ")", ",", ";", "[", "]", "*", "+", "-", "/", "%", "=", "<", ">", "."}

// Lex splits input into tokens, ending with a TokenEOF.
func Lex(input string) ([]Token, error) {
	var toks []Token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && strings.HasPrefix(input[i:], "--"):
			for i < len(input) && input[i] != '\n' {
				i++
			}
		case c == '/' && strings.HasPrefix(input[i:], "/*"):
			end := strings.Index(input[i+2:], "*/")
			if end < 0 {
				return nil, errs.New(errs.KindParse, "unterminated comment at position %d", i)
			}
			i += end + 4
		case c == '\'':
			s, n, err := lexQuoted(input[i:], '\'')
			if err != nil {
				return nil, errs.New(errs.KindParse, "unterminated string at position %d", i)
			}
			toks = append(toks, Token{Kind: TokenString, Text: s, Pos: i})
			i += n
		case c == '"' || c == '`':
			s, n, err := lexQuoted(input[i:], c)
			if err != nil {
				return nil, errs.New(errs.KindParse, "unterminated identifier at position %d", i)
			}
			toks = append(toks, Token{Kind: TokenQuotedIdent, Text: s, Pos: i})
			i += n
		case isDigit(c) || (c == '.' && i+1 < len(input) && isDigit(input[i+1])):
			n := lexNumber(input[i:])
			toks = append(toks, Token{Kind: TokenNumber, Text: input[i : i+n], Pos: i})
			i += n
		case c == '_' || c < utf8.RuneSelf && unicode.IsLetter(rune(c)):
			j := i
			for j < len(input) && (input[j] == '_' || isDigit(input[j]) || input[j] < utf8.RuneSelf && unicode.IsLetter(rune(input[j]))) {
				j++
			}
			toks = append(toks, Token{Kind: TokenIdent, Text: input[i:j], Pos: i})
			i = j
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(input[i:], op) {
					toks = append(toks, Token{Kind: TokenOp, Text: op, Pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				r, _ := utf8.DecodeRuneInString(input[i:])
				return nil, errs.New(errs.KindParse, "unexpected character %q at position %d", r, i)
			}
		}
	}
	return append(toks, Token{Kind: TokenEOF, Pos: len(input)}), nil
}

// lexQuoted reads a quoted run starting at s[0]. A doubled quote escapes
// itself. It returns the unquoted text and the bytes consumed.
func lexQuoted(s string, q byte) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				b.WriteByte(q)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(s[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated")
}

func lexNumber(s string) int {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			i = j
		}
	}
	return i
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
