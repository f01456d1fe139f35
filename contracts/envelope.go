package contracts

import (
	"net/http"
	"time"
)

// Attribute keys mirrored from a RequestEnvelope onto the published message
const (
	AttributeMethod      = "method"
	AttributeURL         = "url"
	AttributeContentType = "content-type"
	AttributeRequestID   = "request-id"
)

// RequestEnvelope carries an inbound HTTP request to the backend topic.
// Body holds the raw request bytes (base64 in JSON).
type RequestEnvelope struct {
	RequestID   string              `json:"requestId,omitempty"`
	Method      string              `json:"method"`
	URL         string              `json:"url"`
	Headers     map[string][]string `json:"headers,omitempty"`
	ContentType string              `json:"contentType,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	ReceivedAt  time.Time           `json:"receivedAt"`
}

// NewRequestEnvelope builds an envelope from request metadata and an already-read body
func NewRequestEnvelope(r *http.Request, body []byte, requestID string) *RequestEnvelope {
	headers := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = append([]string(nil), v...)
	}

	return &RequestEnvelope{
		RequestID:   requestID,
		Method:      r.Method,
		URL:         r.URL.String(),
		Headers:     headers,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
		ReceivedAt:  time.Now().UTC(),
	}
}

// Attributes returns the message attributes published alongside the envelope
func (e *RequestEnvelope) Attributes() map[string]string {
	attrs := map[string]string{
		AttributeMethod: e.Method,
		AttributeURL:    e.URL,
	}
	if e.ContentType != "" {
		attrs[AttributeContentType] = e.ContentType
	}
	if e.RequestID != "" {
		attrs[AttributeRequestID] = e.RequestID
	}
	return attrs
}
