package protocol

import "studyroom/internal/registry"

const (
	TypeUpdatePosition = "updatePosition"
	TypePositions      = "positions"
	TypeError          = "error"
)

// Error codes carried by outgoing error frames.
const (
	CodeIdentityMismatch = "identity_mismatch"
	CodeRateLimited      = "rate_limited"
)

// UpdatePosition is a decoded position update. ID is the participant id the
// client claims, sent as "email" on the wire.
type UpdatePosition struct {
	ID       string
	Position registry.Position
}

type incomingMessage struct {
	Type     string        `json:"type"`
	Email    string        `json:"email" validate:"required"`
	Position *wirePosition `json:"position" validate:"required"`
}

type wirePosition struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
}

type positionsMessage struct {
	Type  string            `json:"type"`
	Users registry.Snapshot `json:"users"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
