package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/optad/internal/client"
	"github.com/basket/optad/internal/protocol"
)

func newTailCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID string
		afterSeq  uint64
		format    string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream a session's events, resuming across reconnects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pretty, err := usePretty(format, out)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			err = c.Tail(cmd.Context(), client.TailOptions{
				SessionID: sessionID,
				AfterSeq:  afterSeq,
				Logger:    logger,
			}, func(env protocol.Envelope) error {
				if pretty {
					return writePretty(out, env)
				}
				return json.NewEncoder(out).Encode(env)
			})
			switch {
			case errors.Is(err, client.ErrSessionClosed):
				return nil
			case cmd.Context().Err() != nil:
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to stream")
	cmd.Flags().Uint64Var(&afterSeq, "after", 0, "resume after this seq")
	cmd.Flags().StringVar(&format, "format", "auto", "output format: auto, text or json")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// usePretty picks text output for terminals and JSON lines otherwise.
func usePretty(format string, out io.Writer) (bool, error) {
	switch format {
	case "text":
		return true, nil
	case "json":
		return false, nil
	case "auto", "":
		f, ok := out.(*os.File)
		return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())), nil
	}
	return false, fmt.Errorf("unknown format %q", format)
}

func writePretty(w io.Writer, env protocol.Envelope) error {
	var line string
	switch env.Event {
	case protocol.KindTurnStart:
		var p protocol.TurnStartPayload
		_ = json.Unmarshal(env.Payload, &p)
		line = fmt.Sprintf("turn %s started: %s", p.TurnID, p.Input)
	case protocol.KindTurnToken:
		var p protocol.TurnTokenPayload
		_ = json.Unmarshal(env.Payload, &p)
		line = fmt.Sprintf("  %s", p.Text)
	case protocol.KindTurnEnd:
		var p protocol.TurnEndPayload
		_ = json.Unmarshal(env.Payload, &p)
		line = fmt.Sprintf("turn %s %s", p.TurnID, p.Status)
		if p.Error != "" {
			line += ": " + p.Error
		}
	case protocol.KindPermissionRequest:
		var p protocol.PermissionRequestPayload
		_ = json.Unmarshal(env.Payload, &p)
		line = fmt.Sprintf("permission %s requested for %s (risk %s)", p.RequestID, p.ToolName, p.Risk)
	case protocol.KindPermissionResolved:
		var p protocol.PermissionResolvedPayload
		_ = json.Unmarshal(env.Payload, &p)
		line = fmt.Sprintf("permission %s %s by %s", p.RequestID, p.Decision, p.ResolvedBy)
	case protocol.KindReplayGap:
		var p protocol.ReplayGapPayload
		_ = json.Unmarshal(env.Payload, &p)
		fmt.Fprintf(w, "-- gap after seq %d (%s) --\n", p.RequestedAfterSeq, p.Reason)
		return nil
	default:
		line = fmt.Sprintf("%s %s", env.Event, string(env.Payload))
	}
	_, err := fmt.Fprintf(w, "%6d %s\n", env.Seq, line)
	return err
}
