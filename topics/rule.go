// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRuleSyntax is returned for rules that do not compile.
var ErrRuleSyntax = errors.New("invalid rule")

const (
	maxLiteral = 250
	maxVarName = 63
)

// RuleKind selects which grammar a rule is compiled with.
type RuleKind int

const (
	// TopicRule matches topics and filters. All wildcards are allowed.
	TopicRule RuleKind = iota
	// ClassRule matches client identifiers and captures variables.
	ClassRule
	// ConvertRule is a template inserted into canonical topics.
	ConvertRule
)

// OpType is the kind of a compiled rule element.
type OpType byte

const (
	OpLiteral OpType = iota
	OpVar
	OpWild
	OpRest
)

// Var names a substitution variable.
type Var byte

const (
	VarOrg Var = iota + 1
	VarType
	VarID
)

// WildMode controls what a single level wildcard accepts from the subject.
type WildMode byte

const (
	// WildAny accepts any level, including an empty level or a + wildcard.
	WildAny WildMode = iota
	// WildNoWild accepts a non-empty level that is not a wildcard.
	WildNoWild
	// WildNonEmpty accepts a non-empty level, including a + wildcard.
	WildNonEmpty
)

// Op is one element of a compiled rule.
type Op struct {
	Type OpType
	Lit  string
	Var  Var
	Wild WildMode
}

// Rule is a compiled topic, client class or convert rule.
//
// Source grammar: literal text, \x escapes x, {org} {type} {id} (aliases
// {tenant} {inst} {device}) are variables, ? ~ + are single level wildcards
// in any, no-wildcard and non-empty mode, and a trailing * matches the rest.
// A leading "N," sets After. Topic rules may end with ";@name" naming an
// authorization mask the session must hold.
type Rule struct {
	Source   string
	Ops      []Op
	After    int
	AuthMask string
}

var varNames = map[string]Var{
	"org":    VarOrg,
	"tenant": VarOrg,
	"type":   VarType,
	"inst":   VarType,
	"id":     VarID,
	"device": VarID,
}

// CompileRule compiles src for kind.
func CompileRule(src string, kind RuleKind) (*Rule, error) {
	r := &Rule{Source: src}
	s := src

	if kind != TopicRule {
		if n, rest, ok := leadingCount(s); ok {
			r.After = n
			s = rest
		}
	}
	if kind == TopicRule {
		if i := strings.LastIndex(s, ";@"); i >= 0 {
			r.AuthMask = s[i+2:]
			if r.AuthMask == "" {
				return nil, fmt.Errorf("%w: empty auth mask in %q", ErrRuleSyntax, src)
			}
			s = s[:i]
		}
	}

	var lit strings.Builder
	flush := func() error {
		if lit.Len() == 0 {
			return nil
		}
		if lit.Len() > maxLiteral {
			return fmt.Errorf("%w: literal too long in %q", ErrRuleSyntax, src)
		}
		r.Ops = append(r.Ops, Op{Type: OpLiteral, Lit: lit.String()})
		lit.Reset()
		return nil
	}
	wild := func(m WildMode) error {
		if err := flush(); err != nil {
			return err
		}
		r.Ops = append(r.Ops, Op{Type: OpWild, Wild: m})
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		var err error
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("%w: trailing escape in %q", ErrRuleSyntax, src)
			}
			i++
			lit.WriteByte(s[i])
		case '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 || end > maxVarName {
				return nil, fmt.Errorf("%w: unterminated variable in %q", ErrRuleSyntax, src)
			}
			v, ok := varNames[strings.ToLower(s[i+1:i+end])]
			if !ok {
				return nil, fmt.Errorf("%w: unknown variable %q in %q", ErrRuleSyntax, s[i+1:i+end], src)
			}
			if err = flush(); err != nil {
				return nil, err
			}
			r.Ops = append(r.Ops, Op{Type: OpVar, Var: v})
			i += end
		case '+', '~':
			if kind != TopicRule {
				return nil, fmt.Errorf("%w: %q not allowed in %q", ErrRuleSyntax, c, src)
			}
			mode := WildNonEmpty
			if c == '~' {
				mode = WildNoWild
			}
			err = wild(mode)
		case '?':
			if kind == ConvertRule {
				return nil, fmt.Errorf("%w: wildcard in convert rule %q", ErrRuleSyntax, src)
			}
			err = wild(WildAny)
		case '*':
			if kind == ConvertRule {
				return nil, fmt.Errorf("%w: wildcard in convert rule %q", ErrRuleSyntax, src)
			}
			if i != len(s)-1 {
				return nil, fmt.Errorf("%w: * must be last in %q", ErrRuleSyntax, src)
			}
			if err = flush(); err == nil {
				r.Ops = append(r.Ops, Op{Type: OpRest})
			}
		default:
			lit.WriteByte(c)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(r.Ops) == 0 {
		return nil, fmt.Errorf("%w: empty rule", ErrRuleSyntax)
	}
	return r, nil
}

func leadingCount(s string) (int, string, bool) {
	n, i := 0, 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + int(s[i]-'0')
		if n > 255 {
			return 0, s, false
		}
		i++
	}
	if i == 0 || i >= len(s) || s[i] != ',' {
		return 0, s, false
	}
	return n, s[i+1:], true
}

// Identity holds the values rule variables refer to.
type Identity struct {
	Class byte
	Org   string
	Type  string
	ID    string
	// UserScoped is set by class rules with After 1: the session is keyed by
	// its user rather than its client identifier.
	UserScoped bool
}

func (id *Identity) value(v Var) string {
	switch v {
	case VarOrg:
		return id.Org
	case VarType:
		return id.Type
	case VarID:
		return id.ID
	}
	return ""
}

func (id *Identity) set(v Var, s string) {
	switch v {
	case VarOrg:
		id.Org = s
	case VarType:
		id.Type = s
	case VarID:
		id.ID = s
	}
}

// Match reports whether subject matches a topic rule. Variables must equal
// the identity values.
func (r *Rule) Match(subject string, id *Identity) bool {
	return r.match(subject, id, false)
}

// Capture matches a class rule and stores variables into id.
func (r *Rule) Capture(subject string, id *Identity) bool {
	var tmp Identity
	if !r.match(subject, &tmp, true) {
		return false
	}
	id.Org, id.Type, id.ID = tmp.Org, tmp.Type, tmp.ID
	return true
}

func (r *Rule) match(s string, id *Identity, capture bool) bool {
	pos := 0
	for i, op := range r.Ops {
		switch op.Type {
		case OpLiteral:
			if !strings.HasPrefix(s[pos:], op.Lit) {
				return false
			}
			pos += len(op.Lit)
		case OpVar:
			if capture {
				end := varEnd(s, pos, r.Ops[i+1:])
				if end == pos {
					return false
				}
				id.set(op.Var, s[pos:end])
				pos = end
				continue
			}
			v := id.value(op.Var)
			if v == "" || !strings.HasPrefix(s[pos:], v) {
				return false
			}
			pos += len(v)
		case OpWild:
			end := strings.IndexByte(s[pos:], '/')
			if end < 0 {
				end = len(s)
			} else {
				end += pos
			}
			if !wildAccepts(op.Wild, s[pos:end]) {
				return false
			}
			pos = end
		case OpRest:
			return true
		}
	}
	return pos == len(s)
}

// varEnd finds where a captured variable stops: at a level or class
// separator, or where the next literal begins.
func varEnd(s string, pos int, next []Op) int {
	var stop byte
	if len(next) > 0 && next[0].Type == OpLiteral {
		stop = next[0].Lit[0]
	}
	for i := pos; i < len(s); i++ {
		c := s[i]
		if c == ':' || c == '/' || (stop != 0 && c == stop) {
			return i
		}
	}
	return len(s)
}

func wildAccepts(m WildMode, level string) bool {
	if level == "#" {
		return false
	}
	switch m {
	case WildNoWild:
		return level != "" && level != "+"
	case WildNonEmpty:
		return level != ""
	default:
		return true
	}
}

// Expand renders a convert rule for id. It fails when a variable is empty.
func (r *Rule) Expand(id *Identity) (string, bool) {
	var b strings.Builder
	for _, op := range r.Ops {
		switch op.Type {
		case OpLiteral:
			b.WriteString(op.Lit)
		case OpVar:
			v := id.value(op.Var)
			if v == "" {
				return "", false
			}
			b.WriteString(v)
		}
	}
	return b.String(), true
}
