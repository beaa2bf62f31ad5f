package consumer

import (
	"time"

	"github.com/nazeru/warehousing-go/pkg/contracts"
)

// JSON payload accessors. Missing or mistyped fields degrade to zero
// values; handlers treat those as absent, never as errors.

func payloadString(evt contracts.Event, field string) string {
	if v, ok := evt.Payload[field].(string); ok {
		return v
	}
	return ""
}

func payloadTime(evt contracts.Event, field string) time.Time {
	raw := payloadString(evt, field)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
