package events

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
)

const (
	// MaxTopicIDLength bounds topic identifiers.
	MaxTopicIDLength = 200
	// MaxTypeLength bounds event type strings, custom prefix included.
	MaxTypeLength = 100
	// MaxDataProperties bounds top-level keys in the data object.
	MaxDataProperties = 50
	// CustomTypePrefix marks publisher-defined event types.
	CustomTypePrefix = "custom:"
)

var (
	topicIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_.\-:]{1,200}$`)
	customTypePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

	baselineTypes = map[string]bool{
		"op":       true,
		"cursor":   true,
		"presence": true,
		"metric":   true,
		"status":   true,
	}
)

// ValidateTopicID checks the topic identifier against the allowed
// alphabet and length.
func ValidateTopicID(topicID string) error {
	if topicID == "" {
		return errs.InvalidInput("topicId", "must not be empty")
	}
	if len(topicID) > MaxTopicIDLength {
		return errs.InvalidInput("topicId", "must be at most 200 characters")
	}
	if !topicIDPattern.MatchString(topicID) {
		return errs.InvalidInput("topicId", "contains characters outside [A-Za-z0-9_.-:]")
	}
	return nil
}

// ValidateType checks the event type: one of the baseline types, or a
// custom type of the form custom:<name>.
func ValidateType(eventType string) error {
	if eventType == "" {
		return errs.InvalidInput("type", "must not be empty")
	}
	if len(eventType) > MaxTypeLength {
		return errs.InvalidInput("type", "must be at most 100 characters")
	}
	if baselineTypes[eventType] {
		return nil
	}
	if strings.HasPrefix(eventType, CustomTypePrefix) {
		suffix := eventType[len(CustomTypePrefix):]
		if suffix == "" || !customTypePattern.MatchString(suffix) {
			return errs.InvalidInput("type", "custom type name must match [A-Za-z0-9_-]+")
		}
		return nil
	}
	return errs.InvalidInput("type", "not a baseline type and not custom:-prefixed")
}

// ValidateData checks that data is a JSON object within the size and
// property-count limits. Size is measured on the serialized bytes as
// received: maxBytes is accepted, maxBytes+1 is rejected.
func ValidateData(data json.RawMessage, maxBytes int) error {
	if len(data) == 0 {
		return errs.InvalidInput("data", "must be a JSON object")
	}
	if len(data) > maxBytes {
		return errs.PayloadTooLarge(len(data), maxBytes)
	}

	var props map[string]json.RawMessage
	if err := json.Unmarshal(data, &props); err != nil || props == nil {
		// props stays nil for the literal null, which unmarshals cleanly.
		return errs.InvalidInput("data", "must be a JSON object")
	}
	if len(props) > MaxDataProperties {
		return errs.InvalidInput("data", "must have at most 50 top-level properties")
	}
	return nil
}

// ValidatePriority checks the optional delivery priority. Absent is fine;
// present means an integer from 0 through 9.
func ValidatePriority(priority *int) error {
	if priority == nil {
		return nil
	}
	if *priority < 0 || *priority > 9 {
		return errs.InvalidInput("priority", "must be between 0 and 9")
	}
	return nil
}

// Coalescible reports whether queued events of this type may be replaced
// by a newer event of the same type from the same sender.
func Coalescible(eventType string) bool {
	return eventType == "cursor" || eventType == "presence"
}
