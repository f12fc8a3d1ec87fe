// Package events defines the event envelope and the validation and
// sanitization rules applied on the publish path.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
)

// Envelope is the wire representation of one event. Field names are part
// of the client contract and must not change.
type Envelope struct {
	ID       string          `json:"id"`
	TopicID  string          `json:"topicId"`
	TenantID string          `json:"tenantId"`
	SenderID string          `json:"senderId"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Seq      int64           `json:"seq"`
	TS       string          `json:"ts"`
	Priority *int            `json:"priority,omitempty"`
}

// StreamFields flattens the envelope into the field set persisted per
// stream entry. Topic and tenant live in the stream key, priority is
// delivery-time only; neither is persisted.
func (e *Envelope) StreamFields() map[string]interface{} {
	return map[string]interface{}{
		"id":     e.ID,
		"type":   e.Type,
		"data":   string(e.Data),
		"seq":    strconv.FormatInt(e.Seq, 10),
		"ts":     e.TS,
		"userId": e.SenderID,
	}
}

// FromStreamFields rebuilds an envelope from persisted stream fields.
// Tenant and topic come from the stream key the entry was read from.
func FromStreamFields(tenantID, topicID string, fields map[string]string) (Envelope, error) {
	seq, err := strconv.ParseInt(fields["seq"], 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf("stream entry has bad seq %q: %w", fields["seq"], err)
	}
	return Envelope{
		ID:       fields["id"],
		TopicID:  topicID,
		TenantID: tenantID,
		SenderID: fields["userId"],
		Type:     fields["type"],
		Data:     json.RawMessage(fields["data"]),
		Seq:      seq,
		TS:       fields["ts"],
	}, nil
}

// Encode serializes the envelope for the notification channel and the
// in-process bus.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("encode envelope: %w", err))
	}
	return b, nil
}

// Decode parses an envelope from its wire form.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
