// Package protocol defines the JSON frames exchanged between the broker and
// remote workers over the worker websocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeRegister         = "register"
	TypeRegisterResponse = "register_response"
	TypeInferenceRequest = "inference_request"
	TypeInferenceResult  = "inference_result"
	TypeError            = "error"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Result statuses a worker may report.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Error codes sent in error frames.
const (
	CodeRegisterRequired = "register_required"
	CodeInvalidFrame     = "invalid_frame"
	CodeUnknownRequest   = "unknown_request"
	CodeDuplicateResult  = "duplicate_result"
)

// Envelope is the part every frame shares.
type Envelope struct {
	Type string `json:"type"`
}

// Register is the first frame a worker sends.
type Register struct {
	Type        string `json:"type"`
	ChannelName string `json:"channel_name"`
}

// RegisterResponse answers Register. On failure the broker closes the
// connection after sending it.
type RegisterResponse struct {
	Type         string `json:"type"`
	Success      bool   `json:"success"`
	ConnectionID string `json:"connection_id,omitempty"`
	ChannelID    string `json:"channel_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// UploadGrant lets a worker place a result artifact in object storage.
// PutURL is a presigned PUT; Token authorizes the proxied fallback upload.
type UploadGrant struct {
	PutURL      string `json:"put_url,omitempty"`
	FinalURL    string `json:"final_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Token       string `json:"upload_token,omitempty"`
}

// InferenceRequest is pushed from the broker to the bound worker.
type InferenceRequest struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id"`
	RequesterID string          `json:"requester_id"`
	Payload     json.RawMessage `json:"payload"`
	Upload      *UploadGrant    `json:"upload,omitempty"`
}

// InferenceResult is the single terminal report for a request.
type InferenceResult struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Error reports a protocol problem to the peer.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Ping and Pong are application-level liveness frames, separate from
// websocket control pings.
type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewRegister(channelName string) Register {
	return Register{Type: TypeRegister, ChannelName: channelName}
}

func NewRegisterResponse(success bool, connectionID, channelID, message string) RegisterResponse {
	return RegisterResponse{
		Type:         TypeRegisterResponse,
		Success:      success,
		ConnectionID: connectionID,
		ChannelID:    channelID,
		Message:      message,
	}
}

func NewInferenceResult(requestID, status string, result json.RawMessage) InferenceResult {
	return InferenceResult{Type: TypeInferenceResult, RequestID: requestID, Status: status, Result: result}
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

// PeekType returns the type field of a raw frame without validating the rest.
func PeekType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame has no type")
	}
	return env.Type, nil
}

// Decode validates raw against the schema for its type and unmarshals it
// into the matching frame struct.
func Decode(raw []byte) (any, error) {
	typ, err := Validate(raw)
	if err != nil {
		return nil, err
	}
	var frame any
	switch typ {
	case TypeRegister:
		frame = &Register{}
	case TypeRegisterResponse:
		frame = &RegisterResponse{}
	case TypeInferenceRequest:
		frame = &InferenceRequest{}
	case TypeInferenceResult:
		frame = &InferenceResult{}
	case TypeError:
		frame = &Error{}
	case TypePing:
		frame = &Ping{}
	case TypePong:
		frame = &Pong{}
	default:
		return nil, fmt.Errorf("unknown frame type %q", typ)
	}
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return frame, nil
}
