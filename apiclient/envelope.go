package apiclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Envelope is the uniform success shape. Backends that already wrap their
// payloads in {code, message, data} are passed through; everything else is
// wrapped here so callers never branch on response shape.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
}

// Decode unmarshals the envelope data into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return errors.New("response has no data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// Error is the uniform failure shape. Code is the HTTP status, or 0 when no
// response was received.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

func statusMessage(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Success"
}

// normalize turns a 2xx body into an Envelope.
func normalize(status int, raw []byte) *Envelope {
	body := bytes.TrimSpace(raw)

	if len(body) > 0 && body[0] == '{' {
		var fields map[string]json.RawMessage
		if json.Unmarshal(body, &fields) == nil && isEnvelope(fields) {
			var env Envelope
			if err := json.Unmarshal(body, &env); err == nil {
				if env.Meta == nil {
					env.Meta = map[string]any{}
				}
				return &env
			}
		}
	}

	return &Envelope{
		Code:    status,
		Message: statusMessage(status),
		Data:    asJSON(body),
		Meta:    map[string]any{},
	}
}

func isEnvelope(fields map[string]json.RawMessage) bool {
	for _, key := range []string{"code", "message", "data"} {
		if _, ok := fields[key]; !ok {
			return false
		}
	}
	return true
}

// asJSON keeps valid JSON as-is and encodes anything else as a JSON string.
func asJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// errorBody covers the error layouts seen from the backend and from OAuth
// style servers.
type errorBody struct {
	Message          string          `json:"message"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Errors           json.RawMessage `json:"errors"`
	Details          json.RawMessage `json:"details"`
	Detail           json.RawMessage `json:"detail"`
}

// newResponseError builds an Error from a non-2xx response.
func newResponseError(status int, raw []byte) *Error {
	body := bytes.TrimSpace(raw)
	apiErr := &Error{Code: status, Message: statusMessage(status)}

	var eb errorBody
	if len(body) == 0 {
		return apiErr
	}
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Details = string(body)
		return apiErr
	}

	switch {
	case eb.Message != "":
		apiErr.Message = eb.Message
	case eb.ErrorDescription != "":
		apiErr.Message = eb.ErrorDescription
	case eb.Error != "":
		apiErr.Message = eb.Error
	default:
		// FastAPI puts a plain message in "detail".
		var detail string
		if json.Unmarshal(eb.Detail, &detail) == nil && detail != "" {
			apiErr.Message = detail
		}
	}

	for _, d := range []json.RawMessage{eb.Errors, eb.Details, eb.Detail} {
		if len(d) > 0 && !bytes.Equal(d, []byte("null")) {
			apiErr.Details = d
			return apiErr
		}
	}
	if eb.Error != "" && apiErr.Message != eb.Error {
		apiErr.Details = eb.Error
	}
	return apiErr
}
