package domain

import "time"

// Response is one value produced by a transport for a dispatch. Body is
// already in the request's encoding: base64 text when Encoding is base64.
type Response struct {
	RequestUUID string    `json:"requestUuid,omitempty"`
	Body        []byte    `json:"body"`
	Encoding    Encoding  `json:"encoding"`
	Binary      bool      `json:"binary,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

func (r Response) Text() string {
	return string(r.Body)
}

type Stage string

const (
	StageDispatch Stage = "dispatch"
	StageEvaluate Stage = "evaluate"
)

// TestResult is created once per dispatch+evaluate cycle and never updated;
// the next cycle for the same request supersedes it.
type TestResult struct {
	RequestUUID string    `json:"requestUuid"`
	RequestName string    `json:"requestName"`
	IsSuccess   bool      `json:"isSuccess"`
	Reason      string    `json:"reason,omitempty"`
	ReturnValue any       `json:"returnValue,omitempty"`
	Stage       Stage     `json:"stage"`
	CompletedAt time.Time `json:"completedAt"`
}

// DispatchFailed reports whether the cycle stopped before a test could run.
func (r TestResult) DispatchFailed() bool {
	return !r.IsSuccess && r.Stage == StageDispatch
}
