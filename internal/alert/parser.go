package alert

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseError rejects an expression with the byte offset of the offending
// token. The message is written for end users and is surfaced verbatim
// by the bot and the HTTP API.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Pos, e.Msg)
}

func errAt(pos int, format string, args ...interface{}) *ParseError {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokAt
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// tokenize splits the input into tokens. Numbers are validated later so
// the error can carry the full malformed literal.
func tokenize(input string) ([]token, *ParseError) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '&':
			toks = append(toks, token{tokAnd, "&", i})
			i++
		case c == '|':
			toks = append(toks, token{tokOr, "|", i})
			i++
		case c == '@':
			toks = append(toks, token{tokAt, "@", i})
			i++

		case c == '>' || c == '<':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, input[i : i+2], i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, string(c), i})
				i++
			}
		case c == '=' || c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, input[i : i+2], i})
				i += 2
			} else {
				return nil, errAt(i, "unexpected character %q", string(c))
			}

		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, input[start:i], start})

		case unicode.IsLetter(rune(c)) || c == '_':
			start := i
			for i < len(input) && (unicode.IsLetter(rune(input[i])) || unicode.IsDigit(rune(input[i])) || input[i] == '_') {
				i++
			}
			toks = append(toks, token{tokIdent, input[start:i], start})

		default:
			return nil, errAt(i, "unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{tokEOF, "", len(input)})
	return toks, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

// Parse compiles an expression string into its AST. All errors are
// *ParseError with a position and a user-facing message.
func Parse(input string) (Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, errAt(0, "empty expression")
	}
	toks, terr := tokenize(input)
	if terr != nil {
		return nil, terr
	}

	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	// Optional root cooldown suffix.
	if p.peek().kind == tokAt {
		at := p.next()
		numTok := p.next()
		if numTok.kind != tokNumber {
			return nil, errAt(at.pos, "cooldown requires a number of seconds after '@'")
		}
		secs, convErr := strconv.Atoi(numTok.text)
		if convErr != nil || secs < 0 {
			return nil, errAt(numTok.pos, "cooldown must be a non-negative integer, got %q", numTok.text)
		}
		expr = &Cooldown{Inner: expr, Seconds: secs}
	}

	if tail := p.peek(); tail.kind != tokEOF {
		if tail.kind == tokAt {
			return nil, errAt(tail.pos, "cooldown '@' is only allowed once, at the end of the expression")
		}
		return nil, errAt(tail.pos, "unexpected input after expression: %q", tail.text)
	}
	return expr, nil
}

func (p *parser) parseOr() (Node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Node{first}
	for p.peek().kind == tokOr {
		p.next()
		child, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &Or{Children: children}, nil
}

func (p *parser) parseAnd() (Node, error) {
	first, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	children := []Node{first}
	for p.peek().kind == tokAnd {
		p.next()
		child, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &And{Children: children}, nil
}

func (p *parser) parseFactor() (Node, error) {
	switch t := p.peek(); t.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			if closing.kind == tokAt {
				return nil, errAt(closing.pos, "cooldown '@' is only allowed at the root of the expression")
			}
			return nil, errAt(t.pos, "unbalanced parenthesis: missing ')'")
		}
		return inner, nil

	case tokIdent:
		return p.parseCondition()

	case tokAt:
		return nil, errAt(t.pos, "cooldown '@' is only allowed at the root of the expression")

	case tokRParen:
		return nil, errAt(t.pos, "unbalanced parenthesis: unexpected ')'")

	default:
		return nil, errAt(t.pos, "expected a condition or '(', got %q", t.text)
	}
}

func (p *parser) parseCondition() (Node, error) {
	nameTok := p.next()
	arity, known := ModuleArity(nameTok.text)
	if !known {
		return nil, errAt(nameTok.pos, "unknown module %q", nameTok.text)
	}

	opTok := p.next()
	if opTok.kind != tokOp {
		return nil, errAt(opTok.pos, "module %q requires a comparison operator, got %q", nameTok.text, opTok.text)
	}

	var params []float64
	for p.peek().kind == tokNumber {
		numTok := p.next()
		val, err := strconv.ParseFloat(numTok.text, 64)
		if err != nil {
			return nil, errAt(numTok.pos, "malformed number %q", numTok.text)
		}
		params = append(params, val)
	}
	if len(params) == 0 && p.peek().kind == tokIdent {
		bad := p.peek()
		return nil, errAt(bad.pos, "expected a number after %q %s, got %q", nameTok.text, opTok.text, bad.text)
	}
	if len(params) != arity {
		return nil, errAt(nameTok.pos, "module %q takes %d parameter(s), got %d", nameTok.text, arity, len(params))
	}

	return &Condition{Module: nameTok.text, Op: Op(opTok.text), Params: params}, nil
}
