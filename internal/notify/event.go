package notify

import (
	jsoniter "github.com/json-iterator/go"

	"traffic-violation-service/internal/domain/violation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const EventViolation = "violation"

// Event is the JSON message sent to live subscribers. Data carries x_center
// and lane_id for lane displays.
type Event struct {
	Type string           `json:"type"`
	Data violation.Record `json:"data"`
}

func encodeViolation(rec violation.Record) ([]byte, error) {
	return json.Marshal(Event{Type: EventViolation, Data: rec})
}
