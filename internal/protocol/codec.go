// Package protocol encodes and decodes the JSON text frames exchanged with
// study room clients.
package protocol

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"studyroom/internal/registry"
)

var (
	ErrMalformed      = errors.New("malformed frame")
	ErrMissingType    = errors.New("missing message type")
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// DecodeInbound parses a single client frame. Every returned error wraps one
// of the package sentinels.
func DecodeInbound(data []byte) (UpdatePosition, error) {
	// encoding/json would map invalid bytes to U+FFFD, folding distinct ids
	// onto one registry key.
	if !utf8.Valid(data) {
		return UpdatePosition{}, errors.Wrap(ErrInvalidPayload, "frame is not valid UTF-8")
	}

	var msg incomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return UpdatePosition{}, errors.Wrap(ErrMalformed, err.Error())
	}

	switch msg.Type {
	case "":
		return UpdatePosition{}, ErrMissingType
	case TypeUpdatePosition:
	default:
		return UpdatePosition{}, errors.Wrapf(ErrUnknownType, "%q", msg.Type)
	}

	if err := validateUpdate(msg); err != nil {
		return UpdatePosition{}, err
	}

	return UpdatePosition{
		ID:       msg.Email,
		Position: registry.Position{X: *msg.Position.X, Y: *msg.Position.Y},
	}, nil
}

var validate = validator.New()

func validateUpdate(msg incomingMessage) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return errors.Wrapf(ErrInvalidPayload, "%s is %s", fieldErrs[0].Namespace(), fieldErrs[0].Tag())
	}
	return errors.Wrap(ErrInvalidPayload, err.Error())
}

// EncodePositions serializes a registry snapshot into a broadcast frame. A nil
// snapshot encodes as an empty users object.
func EncodePositions(snap registry.Snapshot) ([]byte, error) {
	if snap == nil {
		snap = registry.Snapshot{}
	}
	data, err := json.Marshal(positionsMessage{Type: TypePositions, Users: snap})
	if err != nil {
		return nil, errors.Wrap(err, "encode positions")
	}
	return data, nil
}

// EncodeError builds a frame telling a single client why its update was
// rejected.
func EncodeError(code, message string) ([]byte, error) {
	data, err := json.Marshal(errorMessage{Type: TypeError, Code: code, Message: message})
	if err != nil {
		return nil, errors.Wrap(err, "encode error")
	}
	return data, nil
}
