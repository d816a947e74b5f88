package model

// WebSocket message types
type WSMessageType string

const (
	WSMessageTypeProgress WSMessageType = "progress"
	WSMessageTypeComplete WSMessageType = "complete"
	WSMessageTypeError    WSMessageType = "error"
	WSMessageTypePing     WSMessageType = "ping"
	WSMessageTypePong     WSMessageType = "pong"
)

// WSMessage is the generic envelope for client messages.
type WSMessage struct {
	Type WSMessageType `json:"type"`
}

// WSProgressMessage pushes a driver-side progress update. Advisory only: the
// status poll endpoint is the authoritative read path.
type WSProgressMessage struct {
	Type     WSMessageType `json:"type"`
	JobID    string        `json:"jobId"`
	Status   JobStatus     `json:"status"`
	Progress int           `json:"progress"`
	Step     StepName      `json:"step,omitempty"`
}

// WSCompleteMessage announces job completion.
type WSCompleteMessage struct {
	Type      WSMessageType `json:"type"`
	JobID     string        `json:"jobId"`
	OutputURL string        `json:"outputUrl"`
}

// WSErrorMessage announces job failure.
type WSErrorMessage struct {
	Type    WSMessageType `json:"type"`
	JobID   string        `json:"jobId"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
}
