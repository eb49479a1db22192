package sqlengine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrSyntax          = errors.New("syntax error")
	ErrInvalidLoadLine = errors.New("invalid load file line")
)

// Command is a parsed statement: *LoadCommand, *SelectCommand or *QuitCommand.
type Command interface {
	command()
}

type LoadCommand struct {
	Table     string
	File      string
	WithIndex bool
}

type SelectCommand struct {
	Attr  Attr
	Table string
	Conds []Cond
}

type QuitCommand struct{}

func (*LoadCommand) command()   {}
func (*SelectCommand) command() {}
func (*QuitCommand) command()   {}

// Attr is what a SELECT projects.
type Attr int

const (
	AttrKey Attr = iota + 1
	AttrValue
	AttrAll
	AttrCount
)

func (a Attr) String() string {
	switch a {
	case AttrKey:
		return "key"
	case AttrValue:
		return "value"
	case AttrAll:
		return "*"
	case AttrCount:
		return "COUNT(*)"
	}
	return fmt.Sprintf("Attr(%d)", int(a))
}

// Comparator is a condition operator.
type Comparator int

const (
	EQ Comparator = iota
	NE
	LT
	LE
	GT
	GE
)

var comparators = map[string]Comparator{"=": EQ, "<>": NE, "<": LT, "<=": LE, ">": GT, ">=": GE}

func (c Comparator) String() string {
	for s, v := range comparators {
		if v == c {
			return s
		}
	}
	return fmt.Sprintf("Comparator(%d)", int(c))
}

// holds reports whether diff, the sign of "tuple value minus literal", satisfies c.
func (c Comparator) holds(diff int) bool {
	switch c {
	case EQ:
		return diff == 0
	case NE:
		return diff != 0
	case LT:
		return diff < 0
	case LE:
		return diff <= 0
	case GT:
		return diff > 0
	case GE:
		return diff >= 0
	}
	return false
}

// Cond is one WHERE condition. For key conditions Key holds the parsed literal.
type Cond struct {
	Attr  Attr // AttrKey or AttrValue
	Comp  Comparator
	Value string
	Key   int32
}

func (c Cond) String() string {
	if c.Attr == AttrKey {
		return fmt.Sprintf("key %s %d", c.Comp, c.Key)
	}
	return fmt.Sprintf("value %s '%s'", c.Comp, c.Value)
}

type parser struct {
	lex *Lexer
	tok Token
}

// Parse parses one statement.
func Parse(input string) (Command, error) {
	p := &parser{lex: NewLexer(input)}
	p.next()

	var cmd Command
	var err error
	switch {
	case p.tok.is("LOAD"):
		cmd, err = p.parseLoad()
	case p.tok.is("SELECT"):
		cmd, err = p.parseSelect()
	case p.tok.is("QUIT"), p.tok.is("EXIT"):
		p.next()
		cmd = &QuitCommand{}
	default:
		return nil, p.unexpected("LOAD, SELECT or QUIT")
	}
	if err != nil {
		return nil, err
	}
	if p.tok.Kind == SEMICOLON {
		p.next()
	}
	if p.tok.Kind != END {
		return nil, p.unexpected("end of statement")
	}
	return cmd, nil
}

func (p *parser) next() { p.tok = p.lex.NextToken() }

func (p *parser) unexpected(want string) error {
	if p.tok.Kind == END {
		return fmt.Errorf("%w: expected %s, found end of input", ErrSyntax, want)
	}
	return fmt.Errorf("%w: expected %s, found %q", ErrSyntax, want, p.tok.Value)
}

func (p *parser) expectKeyword(kw string) error {
	if !p.tok.is(kw) {
		return p.unexpected(kw)
	}
	p.next()
	return nil
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.tok
	if tok.Kind != kind {
		return tok, p.unexpected(kind.String())
	}
	p.next()
	return tok, nil
}

// LOAD <table> FROM '<file>' [WITH INDEX]
func (p *parser) parseLoad() (*LoadCommand, error) {
	p.next()
	table, err := p.expect(IDENT)
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	file, err := p.expect(STRING)
	if err != nil {
		return nil, err
	}
	cmd := &LoadCommand{Table: table.Value, File: file.Value}
	if p.tok.is("WITH") {
		p.next()
		if err := p.expectKeyword("INDEX"); err != nil {
			return nil, err
		}
		cmd.WithIndex = true
	}
	return cmd, nil
}

// SELECT <key|value|*|COUNT(*)> FROM <table> [WHERE <cond> [AND <cond>]...]
func (p *parser) parseSelect() (*SelectCommand, error) {
	p.next()
	cmd := &SelectCommand{}
	switch {
	case p.tok.is("KEY"):
		cmd.Attr = AttrKey
	case p.tok.is("VALUE"):
		cmd.Attr = AttrValue
	case p.tok.Kind == ASTERISK:
		cmd.Attr = AttrAll
	case p.tok.is("COUNT"):
		p.next()
		if _, err := p.expect(OPENROUNDED); err != nil {
			return nil, err
		}
		if _, err := p.expect(ASTERISK); err != nil {
			return nil, err
		}
		if p.tok.Kind != CLOSEDROUNDED {
			return nil, p.unexpected(CLOSEDROUNDED.String())
		}
		cmd.Attr = AttrCount
	default:
		return nil, p.unexpected("key, value, * or COUNT(*)")
	}
	p.next()

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expect(IDENT)
	if err != nil {
		return nil, err
	}
	cmd.Table = table.Value

	if !p.tok.is("WHERE") {
		return cmd, nil
	}
	p.next()
	for {
		cond, err := p.parseCond()
		if err != nil {
			return nil, err
		}
		cmd.Conds = append(cmd.Conds, cond)
		if !p.tok.is("AND") {
			return cmd, nil
		}
		p.next()
	}
}

func (p *parser) parseCond() (Cond, error) {
	var cond Cond
	switch {
	case p.tok.is("KEY"):
		cond.Attr = AttrKey
	case p.tok.is("VALUE"):
		cond.Attr = AttrValue
	default:
		return cond, p.unexpected("key or value")
	}
	p.next()

	op, err := p.expect(OPERATOR)
	if err != nil {
		return cond, err
	}
	comp, ok := comparators[op.Value]
	if !ok {
		return cond, fmt.Errorf("%w: unknown operator %q", ErrSyntax, op.Value)
	}
	cond.Comp = comp

	lit := p.tok
	switch {
	case cond.Attr == AttrKey && (lit.Kind == INT || lit.Kind == STRING):
		n, err := strconv.ParseInt(strings.TrimSpace(lit.Value), 10, 32)
		if err != nil {
			return cond, fmt.Errorf("%w: key literal %q is not a 32-bit integer", ErrSyntax, lit.Value)
		}
		cond.Key = int32(n)
		cond.Value = lit.Value
	case cond.Attr == AttrValue && (lit.Kind == INT || lit.Kind == STRING):
		cond.Value = lit.Value
	default:
		return cond, p.unexpected("literal")
	}
	p.next()
	return cond, nil
}

// ParseLoadLine splits one load file line of the form "key, value". The value may be
// quoted with ' or "; an unquoted value runs to the end of the line.
func ParseLoadLine(line string) (int32, string, error) {
	keyText, rest, ok := strings.Cut(line, ",")
	if !ok {
		return 0, "", fmt.Errorf("%w: missing comma in %q", ErrInvalidLoadLine, line)
	}
	key, err := strconv.ParseInt(strings.TrimSpace(keyText), 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad key %q", ErrInvalidLoadLine, strings.TrimSpace(keyText))
	}

	rest = strings.TrimLeft(rest, " \t")
	rest = strings.TrimRight(rest, "\r\n")
	if rest == "" {
		return int32(key), "", nil
	}
	if q := rest[0]; q == '\'' || q == '"' {
		rest = rest[1:]
		if end := strings.IndexByte(rest, q); end >= 0 {
			rest = rest[:end]
		}
	}
	return int32(key), rest, nil
}
