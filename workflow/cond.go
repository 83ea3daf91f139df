package workflow

import (
	"fmt"
	"strings"
)

// Run conditions are a small closed grammar, not a general
// expression language:
//
//	expr    := or
//	or      := and ( "||" and )*
//	and     := unary ( "&&" unary )*
//	unary   := "!" unary | primary
//	primary := "(" expr ")" | pred
//	pred    := success() | failure() | cancelled() | always()
//	         | event(kind) | branch(pattern)
//
// Conditions are parsed once at definition load time and evaluated
// against an explicit CondContext, never against ambient state.

type condOp int

const (
	opPred condOp = iota
	opNot
	opAnd
	opOr
)

type Cond struct {
	op   condOp
	pred string // for opPred
	arg  string // pred argument, if any
	l, r *Cond  // r is nil for opNot
}

// CondContext carries everything a condition may look at.
type CondContext struct {
	// Failed is true when a prior step in the same job failed, or,
	// for job-level conditions, when any dependency instance did
	// not succeed.
	Failed bool
	// Cancelled is true when the owning run or job was cancelled.
	Cancelled bool

	EventKind string
	Branch    string
}

func (c *Cond) Eval(ctx CondContext) bool {
	switch c.op {
	case opNot:
		return !c.l.Eval(ctx)
	case opAnd:
		return c.l.Eval(ctx) && c.r.Eval(ctx)
	case opOr:
		return c.l.Eval(ctx) || c.r.Eval(ctx)
	}

	switch c.pred {
	case "success":
		return !ctx.Failed && !ctx.Cancelled
	case "failure":
		return ctx.Failed
	case "cancelled":
		return ctx.Cancelled
	case "always":
		return true
	case "event":
		return ctx.EventKind == c.arg
	case "branch":
		return matchBranchPattern(c.arg, ctx.Branch)
	}
	return false
}

// DefaultCond is the implicit condition when a job or step declares
// none: run only if everything upstream succeeded.
func DefaultCond() *Cond {
	return &Cond{op: opPred, pred: "success"}
}

func (c *Cond) String() string {
	switch c.op {
	case opNot:
		return "!" + c.l.String()
	case opAnd:
		return fmt.Sprintf("(%s && %s)", c.l, c.r)
	case opOr:
		return fmt.Sprintf("(%s || %s)", c.l, c.r)
	}
	if c.arg != "" {
		return fmt.Sprintf("%s(%s)", c.pred, c.arg)
	}
	return c.pred + "()"
}

// ParseCond parses a condition expression. An empty expression
// yields the default condition.
func ParseCond(expr string) (*Cond, error) {
	if strings.TrimSpace(expr) == "" {
		return DefaultCond(), nil
	}

	p := condParser{input: expr}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("trailing input at offset %d in %q", p.pos, expr)
	}
	return c, nil
}

type condParser struct {
	input string
	pos   int
}

func (p *condParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) eat(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *condParser) parseOr() (*Cond, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.eat("||") {
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &Cond{op: opOr, l: l, r: r}
	}
	return l, nil
}

func (p *condParser) parseAnd() (*Cond, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.eat("&&") {
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &Cond{op: opAnd, l: l, r: r}
	}
	return l, nil
}

func (p *condParser) parseUnary() (*Cond, error) {
	if p.eat("!") {
		c, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Cond{op: opNot, l: c}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (*Cond, error) {
	if p.eat("(") {
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.eat(")") {
			return nil, fmt.Errorf("missing ) at offset %d", p.pos)
		}
		return c, nil
	}
	return p.parsePred()
}

var condPreds = map[string]bool{
	"success":   false,
	"failure":   false,
	"cancelled": false,
	"always":    false,
	"event":     true, // takes an argument
	"branch":    true,
}

func (p *condParser) parsePred() (*Cond, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	name := p.input[start:p.pos]

	hasArg, ok := condPreds[name]
	if !ok {
		return nil, fmt.Errorf("unknown predicate %q at offset %d", name, start)
	}

	if !p.eat("(") {
		return nil, fmt.Errorf("expected ( after %s", name)
	}

	var arg string
	if hasArg {
		p.skipSpace()
		astart := p.pos
		for p.pos < len(p.input) && p.input[p.pos] != ')' {
			p.pos++
		}
		arg = strings.TrimSpace(p.input[astart:p.pos])
		arg = strings.Trim(arg, `'"`)
		if arg == "" {
			return nil, fmt.Errorf("%s requires an argument", name)
		}
	}

	if !p.eat(")") {
		return nil, fmt.Errorf("missing ) after %s", name)
	}

	return &Cond{op: opPred, pred: name, arg: arg}, nil
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}
