package protocol

import "encoding/json"

// Turn statuses carried by turn.end.
const (
	TurnDone      = "done"
	TurnCancelled = "cancelled"
	TurnErrored   = "errored"
)

// Gap reasons carried by replay.gap.
const (
	GapWindowExceeded     = "window_exceeded"
	GapHistoryUnavailable = "history_unavailable"
)

type TurnStartPayload struct {
	TurnID string `json:"turnId"`
	Input  string `json:"input"`
}

type TurnTokenPayload struct {
	TurnID string `json:"turnId"`
	Text   string `json:"text"`
}

type TurnEndPayload struct {
	TurnID string `json:"turnId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ToolStartPayload struct {
	TurnID   string         `json:"turnId"`
	CallID   string         `json:"callId"`
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
}

type ToolEndPayload struct {
	TurnID   string          `json:"turnId"`
	CallID   string          `json:"callId"`
	ToolName string          `json:"toolName"`
	OK       bool            `json:"ok"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type PermissionRequestPayload struct {
	RequestID string         `json:"requestId"`
	TurnID    string         `json:"turnId,omitempty"`
	ToolName  string         `json:"toolName"`
	Args      map[string]any `json:"args,omitempty"`
	Risk      string         `json:"risk"`
}

type PermissionResolvedPayload struct {
	RequestID  string `json:"requestId"`
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolvedBy"`
}

type ErrorPayload struct {
	TurnID  string `json:"turnId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SessionClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ReplayGapPayload tells a reconnecting client that events between
// RequestedAfterSeq and the first delivered seq may be missing.
type ReplayGapPayload struct {
	Reason            string `json:"reason"`
	RequestedAfterSeq uint64 `json:"requestedAfterSeq"`
	OldestRetainedSeq uint64 `json:"oldestRetainedSeq,omitempty"`
}
