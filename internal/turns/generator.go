package turns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/optad/internal/protocol"
	"github.com/basket/optad/internal/shared"
)

// Generator produces the body of a turn. It must return promptly once ctx is
// cancelled. turn.start and turn.end are appended by the Coordinator.
type Generator interface {
	Generate(ctx context.Context, turn Turn, emit Emitter) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, turn Turn, emit Emitter) error

func (f GeneratorFunc) Generate(ctx context.Context, turn Turn, emit Emitter) error {
	return f(ctx, turn, emit)
}

// Emitter appends events on behalf of the running turn. Every method fails
// with the context error once the turn has been cancelled.
type Emitter interface {
	Token(text string) error
	ToolStart(callID, tool string, args map[string]any) error
	ToolEnd(callID, tool string, ok bool, result any, errMsg string) error
	Error(code, message string) error
	// RequestPermission blocks until the request is resolved or the turn is
	// cancelled.
	RequestPermission(tool string, args map[string]any) (bool, error)
}

type emitter struct {
	ctx  context.Context
	sink Sink
	turn Turn
}

func (e *emitter) append(kind protocol.Kind, payload any) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	_, err := e.sink.Append(e.ctx, e.turn.SessionID, kind, payload)
	return err
}

func (e *emitter) Token(text string) error {
	return e.append(protocol.KindTurnToken, protocol.TurnTokenPayload{TurnID: e.turn.ID, Text: text})
}

func (e *emitter) ToolStart(callID, tool string, args map[string]any) error {
	return e.append(protocol.KindToolStart, protocol.ToolStartPayload{
		TurnID:   e.turn.ID,
		CallID:   callID,
		ToolName: tool,
		Args:     shared.RedactArgs(args),
	})
}

func (e *emitter) ToolEnd(callID, tool string, ok bool, result any, errMsg string) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal tool result: %w", err)
		}
		raw = b
	}
	return e.append(protocol.KindToolEnd, protocol.ToolEndPayload{
		TurnID:   e.turn.ID,
		CallID:   callID,
		ToolName: tool,
		OK:       ok,
		Result:   raw,
		Error:    errMsg,
	})
}

func (e *emitter) Error(code, message string) error {
	return e.append(protocol.KindError, protocol.ErrorPayload{TurnID: e.turn.ID, Code: code, Message: message})
}

func (e *emitter) RequestPermission(tool string, args map[string]any) (bool, error) {
	if err := e.ctx.Err(); err != nil {
		return false, err
	}
	return e.sink.RequestPermission(e.ctx, e.turn.SessionID, e.turn.ID, tool, args)
}

// EchoGenerator streams the input back word by word. Two directives drive
// the rest of the event surface:
//
//	!tool <name> [json-args]   request permission, then run a stub tool
//	!fail <message>            end the turn with an error
type EchoGenerator struct {
	TokenDelay time.Duration
}

func (g EchoGenerator) Generate(ctx context.Context, turn Turn, emit Emitter) error {
	input := strings.TrimSpace(turn.Input)
	switch {
	case strings.HasPrefix(input, "!fail"):
		msg := strings.TrimSpace(strings.TrimPrefix(input, "!fail"))
		if msg == "" {
			msg = "requested failure"
		}
		return errors.New(msg)
	case strings.HasPrefix(input, "!tool "):
		return g.tool(ctx, strings.TrimSpace(strings.TrimPrefix(input, "!tool ")), emit)
	}
	return g.stream(ctx, input, emit)
}

func (g EchoGenerator) stream(ctx context.Context, text string, emit Emitter) error {
	words := strings.Fields(text)
	for i, w := range words {
		if i > 0 && g.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.TokenDelay):
			}
		}
		if i < len(words)-1 {
			w += " "
		}
		if err := emit.Token(w); err != nil {
			return err
		}
	}
	return nil
}

func (g EchoGenerator) tool(ctx context.Context, spec string, emit Emitter) error {
	name, rawArgs, _ := strings.Cut(spec, " ")
	args := map[string]any{}
	if rawArgs = strings.TrimSpace(rawArgs); rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Errorf("tool %s: bad args: %w", name, err)
		}
	}

	approved, err := emit.RequestPermission(name, args)
	if err != nil {
		return err
	}
	callID := shared.NewID()
	if !approved {
		if err := emit.ToolEnd(callID, name, false, nil, "permission denied"); err != nil {
			return err
		}
		return g.stream(ctx, "Tool "+name+" was not approved.", emit)
	}
	if err := emit.ToolStart(callID, name, args); err != nil {
		return err
	}
	if err := emit.ToolEnd(callID, name, true, map[string]any{"echo": args}, ""); err != nil {
		return err
	}
	return g.stream(ctx, "Tool "+name+" finished.", emit)
}
