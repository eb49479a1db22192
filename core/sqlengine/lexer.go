package sqlengine

import (
	"strings"
)

type TokenKind int

const (
	END TokenKind = iota
	INVALID
	IDENT
	INT
	STRING
	ASTERISK
	OPENROUNDED
	CLOSEDROUNDED
	SEMICOLON
	OPERATOR
)

func (k TokenKind) String() string {
	switch k {
	case END:
		return "end of input"
	case IDENT:
		return "identifier"
	case INT:
		return "integer"
	case STRING:
		return "string"
	case ASTERISK:
		return "'*'"
	case OPENROUNDED:
		return "'('"
	case CLOSEDROUNDED:
		return "')'"
	case SEMICOLON:
		return "';'"
	case OPERATOR:
		return "comparison operator"
	default:
		return "invalid token"
	}
}

type Token struct {
	Kind  TokenKind
	Value string
}

// is reports whether the token is the keyword kw, ignoring case.
func (t Token) is(kw string) bool {
	return t.Kind == IDENT && strings.EqualFold(t.Value, kw)
}

type Lexer struct {
	input string
	pos   int
}

func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

func (l *Lexer) peekByte(off int) byte {
	if l.pos+off >= len(l.input) {
		return 0
	}
	return l.input[l.pos+off]
}

func (l *Lexer) NextToken() Token {
	for l.pos < len(l.input) && isSpace(l.input[l.pos]) {
		l.pos++
	}
	ch := l.peekByte(0)
	switch {
	case ch == 0:
		return Token{Kind: END}
	case ch == '*':
		l.pos++
		return Token{Kind: ASTERISK, Value: "*"}
	case ch == '(':
		l.pos++
		return Token{Kind: OPENROUNDED, Value: "("}
	case ch == ')':
		l.pos++
		return Token{Kind: CLOSEDROUNDED, Value: ")"}
	case ch == ';':
		l.pos++
		return Token{Kind: SEMICOLON, Value: ";"}
	case ch == '\'' || ch == '"':
		return l.readString(ch)
	case ch == '=' || ch == '<' || ch == '>' || ch == '!':
		return l.readOperator()
	case isNumber(ch) || (ch == '-' && isNumber(l.peekByte(1))):
		start := l.pos
		l.pos++
		for isNumber(l.peekByte(0)) {
			l.pos++
		}
		return Token{Kind: INT, Value: l.input[start:l.pos]}
	case isLetter(ch):
		start := l.pos
		for c := l.peekByte(0); isLetter(c) || isNumber(c); c = l.peekByte(0) {
			l.pos++
		}
		return Token{Kind: IDENT, Value: l.input[start:l.pos]}
	default:
		l.pos++
		return Token{Kind: INVALID, Value: string(ch)}
	}
}

func (l *Lexer) readString(quote byte) Token {
	l.pos++
	end := strings.IndexByte(l.input[l.pos:], quote)
	if end < 0 {
		l.pos = len(l.input)
		return Token{Kind: INVALID, Value: "unterminated string"}
	}
	s := l.input[l.pos : l.pos+end]
	l.pos += end + 1
	return Token{Kind: STRING, Value: s}
}

func (l *Lexer) readOperator() Token {
	two := l.input[l.pos:min(l.pos+2, len(l.input))]
	switch two {
	case "<=", ">=", "<>":
		l.pos += 2
		return Token{Kind: OPERATOR, Value: two}
	case "!=":
		l.pos += 2
		return Token{Kind: OPERATOR, Value: "<>"}
	}
	ch := l.input[l.pos]
	l.pos++
	if ch == '!' {
		return Token{Kind: INVALID, Value: "!"}
	}
	return Token{Kind: OPERATOR, Value: string(ch)}
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isLetter(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
}

func isNumber(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
