// Package filter evaluates per-recipient filter predicates and message
// scripts. Sources are CUE expressions evaluated against a fixed set of
// bindings; nothing else from the host is reachable from an expression.
//
// Bindings visible to every expression:
//
//	userId      int     recipient id
//	recipientId int     alias of userId
//	platform    string  delivery platform
//	scheduleId  int     owning broadcast schedule
//	timezone    number  recipient UTC offset in hours
//
// A filter must evaluate to a bool. A script evaluates to a message, a list of
// messages, or null. A message is a string or {text, parse_mode?, disable_preview?}.
package filter

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/parser"

	"broadcastd/internal/transport"
)

var (
	ErrEmpty      = errors.New("filter: empty expression")
	ErrNotBoolean = errors.New("filter: result is not a boolean")
	ErrBadScript  = errors.New("filter: script result is not a message")
)

// Bindings are the values an expression is evaluated against.
type Bindings struct {
	UserID     int64
	Platform   string
	ScheduleID int64
	Timezone   float64
}

const maxCached = 512

// Evaluator compiles and caches expressions. A single cue.Context is shared
// and guarded by mu, so Evaluator is safe for concurrent use.
type Evaluator struct {
	mu    sync.Mutex
	ctx   *cue.Context
	cache map[string]cue.Value
}

func New() *Evaluator {
	return &Evaluator{ctx: cuecontext.New(), cache: map[string]cue.Value{}}
}

// Validate reports whether src compiles. It does not evaluate it.
func (e *Evaluator) Validate(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.compile(src)
	return err
}

// Filter evaluates src and returns its boolean result. A non-boolean result
// returns false and an error wrapping ErrNotBoolean.
func (e *Evaluator) Filter(src string, b Bindings) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.eval(src, b)
	if err != nil {
		return false, err
	}
	if k := out.Kind(); k != cue.BoolKind {
		return false, fmt.Errorf("%w: got %s", ErrNotBoolean, k)
	}
	return out.Bool()
}

type scriptMessage struct {
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode"`
	DisablePreview bool   `json:"disable_preview"`
}

// Script evaluates src into the messages to deliver. null or an empty list
// yields no messages.
func (e *Evaluator) Script(src string, b Bindings) ([]transport.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.eval(src, b)
	if err != nil {
		return nil, err
	}
	switch out.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.ListKind:
		it, err := out.List()
		if err != nil {
			return nil, describe(err)
		}
		var msgs []transport.Message
		for i := 0; it.Next(); i++ {
			m, err := toMessage(it.Value())
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			msgs = append(msgs, m)
		}
		return msgs, nil
	default:
		m, err := toMessage(out)
		if err != nil {
			return nil, err
		}
		return []transport.Message{m}, nil
	}
}

func toMessage(v cue.Value) (transport.Message, error) {
	switch v.Kind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return transport.Message{}, describe(err)
		}
		return transport.Message{Type: transport.MessageText, Text: s}, nil
	case cue.StructKind:
		var sm scriptMessage
		if err := v.Decode(&sm); err != nil {
			return transport.Message{}, describe(err)
		}
		if strings.TrimSpace(sm.Text) == "" {
			return transport.Message{}, fmt.Errorf("%w: missing text", ErrBadScript)
		}
		return transport.Message{
			Type:           transport.MessageText,
			Text:           sm.Text,
			ParseMode:      sm.ParseMode,
			DisablePreview: sm.DisablePreview,
		}, nil
	default:
		return transport.Message{}, fmt.Errorf("%w: got %s", ErrBadScript, v.Kind())
	}
}

// eval must be called with mu held.
func (e *Evaluator) eval(src string, b Bindings) (cue.Value, error) {
	prog, err := e.compile(src)
	if err != nil {
		return cue.Value{}, err
	}
	v := prog.
		FillPath(cue.ParsePath("userId"), b.UserID).
		FillPath(cue.ParsePath("platform"), b.Platform).
		FillPath(cue.ParsePath("scheduleId"), b.ScheduleID).
		FillPath(cue.ParsePath("timezone"), b.Timezone)
	if err := v.Err(); err != nil {
		return cue.Value{}, describe(err)
	}
	out := v.LookupPath(cue.ParsePath("out"))
	if err := out.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, describe(err)
	}
	return out, nil
}

// compile must be called with mu held.
func (e *Evaluator) compile(src string) (cue.Value, error) {
	expr := normalize(src)
	if expr == "" {
		return cue.Value{}, ErrEmpty
	}
	if v, ok := e.cache[expr]; ok {
		return v, nil
	}
	// A source that is not exactly one expression cannot add fields to the
	// program.
	x, err := parser.ParseExpr("", expr)
	if err != nil {
		return cue.Value{}, describe(err)
	}
	v := e.ctx.BuildFile(program(x))
	if err := v.Err(); err != nil {
		return cue.Value{}, describe(err)
	}
	if len(e.cache) >= maxCached {
		clear(e.cache)
	}
	e.cache[expr] = v
	return v, nil
}

// program declares the bindings next to out. Positions inside x are kept, so
// errors report the line of the source itself.
func program(x ast.Expr) *ast.File {
	field := func(name string, v ast.Expr) ast.Decl {
		return &ast.Field{Label: ast.NewIdent(name), Value: v}
	}
	return &ast.File{Decls: []ast.Decl{
		field("out", x),
		field("userId", ast.NewIdent("int")),
		field("recipientId", ast.NewIdent("userId")),
		field("platform", ast.NewIdent("string")),
		field("scheduleId", ast.NewIdent("int")),
		field("timezone", ast.NewIdent("number")),
	}}
}

func describe(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if pos := cueerrors.Positions(first); len(pos) > 0 && pos[0].IsValid() {
		return fmt.Errorf("line %d: %s", pos[0].Line(), first.Error())
	}
	return first
}
