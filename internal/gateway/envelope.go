package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/bnema/tasksync/internal/domain"
)

// envelope covers both response shapes the backend emits: the standard
// {success, data, meta} / {success: false, error: {...}} form and the legacy
// auth routes that return bare objects or {error: "msg", details: {...}}.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Details map[string]any  `json:"details"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// DecodeBody unwraps a 2xx body. Bodies without the envelope are returned as
// bare data.
func DecodeBody(status int, payload []byte) Response {
	resp := Response{Status: status}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return resp
	}

	var env envelope
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &env) != nil || env.Success == nil {
		resp.Data = json.RawMessage(trimmed)
		return resp
	}

	resp.Data = env.Data
	resp.Meta = env.Meta
	resp.Message = env.Message
	return resp
}

// DecodeError normalizes a non-2xx body into an *domain.APIError.
func DecodeError(status int, payload []byte) *domain.APIError {
	apiErr := &domain.APIError{
		Kind:   domain.KindForStatus(status),
		Status: status,
	}

	var env envelope
	if err := json.Unmarshal(bytes.TrimSpace(payload), &env); err == nil {
		apiErr.Details = env.Details
		apiErr.Message = env.Message

		var body errorBody
		var legacy string
		switch {
		case len(env.Error) == 0:
		case json.Unmarshal(env.Error, &body) == nil:
			apiErr.Code = body.Code
			if body.Message != "" {
				apiErr.Message = body.Message
			}
			if body.Details != nil {
				apiErr.Details = body.Details
			}
		case json.Unmarshal(env.Error, &legacy) == nil:
			apiErr.Message = legacy
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
