// Package webhook assembles and signs the outbound notification body
// delivered by the relay.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/Egor-Alpy/ktru-classify-relay/internal/store"
)

// CompletedPayload is the status-specific portion of a completed outbox message.
type CompletedPayload struct {
	Result         string  `json:"result"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	InputTokens    int     `json:"input_tokens,omitempty"`
	OutputTokens   int     `json:"output_tokens,omitempty"`
}

// FailedPayload is the status-specific portion of a failed outbox message.
type FailedPayload struct {
	Error string `json:"error"`
}

// MarshalCompleted serializes a CompletedPayload for storage in
// OutboxMessage.Payload.
func MarshalCompleted(p CompletedPayload) (string, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

// MarshalFailed serializes a FailedPayload for storage in
// OutboxMessage.Payload.
func MarshalFailed(p FailedPayload) (string, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

// BuildBody merges the outbox message's envelope fields (task_id,
// document_id, status) with its status-specific payload into the exact
// webhook body shape.
func BuildBody(m *store.OutboxMessage) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(m.Payload), &fields); err != nil {
		return nil, err
	}
	fields["task_id"] = m.TaskID
	fields["document_id"] = m.DocumentID
	fields["status"] = string(m.Status)
	return json.Marshal(fields)
}

// Sign computes the hex-encoded HMAC-SHA256 of body using secret, for the
// X-Signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
