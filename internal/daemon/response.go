package daemon

import (
	"encoding/json"
	"log/slog"
)

// Message statuses.
const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the JSON reply to a control socket command.
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     any               `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

// AddError records err as an ERROR message.
func (r *Response) AddError(err error) {
	r.AddMessage(err.Error(), StatusError)
}

func (r *Response) AddData(data any) {
	r.Data = data
}

// Failed reports whether any message is an error.
func (r *Response) Failed() bool {
	for _, m := range r.Messages {
		if m.Status == StatusError {
			return true
		}
	}
	return false
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		return `{"messages":[{"message":"failed to encode response","status":"ERROR"}]}`
	}
	return string(bytes)
}

// DecodeData unmarshals the response payload into v.
func (r *Response) DecodeData(v any) error {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// LogMessages writes every message to logger at its status' level.
func (r *Response) LogMessages(logger *slog.Logger) {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusWarn:
			logger.Warn(message.Message)
		case StatusError:
			logger.Error(message.Message)
		default:
			logger.Info(message.Message)
		}
	}
}
