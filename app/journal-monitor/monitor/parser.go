package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opendrivejournal/tripcast/business/data/journal"
)

const (
	milesToKm = 1.609344
	//rawPayloadLimit is the largest webhook body stored verbatim on the event
	rawPayloadLimit = 2048
)

/*
parseTelemetryPayload canonicalizes one webhook body into a TelemetryEvent.
Providers deliver one of three shapes: an array of {key, value} tuples, an
object keyed by numeric strings containing such tuples, or a flat object with
named fields. Any changes to provider payload formats should be handled here
and not elsewhere in the program.
Returns an error when no VIN can be found; unknown keys are ignored.
*/
func parseTelemetryPayload(body []byte, now time.Time) (*journal.TelemetryEvent, error) {
	event := &journal.TelemetryEvent{
		Id:     uuid.NewString(),
		Source: journal.SourceWebhook,
	}

	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		var tuples []telemetryTuple
		if err := json.Unmarshal(trimmed, &tuples); err != nil {
			return nil, fmt.Errorf("unable to parse tuple array payload: %w", err)
		}
		applyTuples(event, tuples)
	case len(trimmed) > 0 && trimmed[0] == '{':
		if err := parseObjectPayload(event, trimmed); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("payload is not a JSON object or array")
	}

	if event.Vin == "" {
		return nil, fmt.Errorf("payload carries no VIN")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.IsStateOnly() {
		event.Source = journal.SourceStateOnly
	}
	if len(body) <= rawPayloadLimit {
		raw := string(body)
		event.RawPayload = &raw
	} else {
		summary := fmt.Sprintf("payload of %d bytes elided", len(body))
		event.RawPayload = &summary
	}
	return event, nil
}

//telemetryTuple is one {key, value} measurement in a provider payload
type telemetryTuple struct {
	Key   string     `json:"key"`
	Value tupleValue `json:"value"`
}

type tupleValue struct {
	DoubleValue   *float64       `json:"doubleValue"`
	FloatValue    *float64       `json:"floatValue"`
	IntValue      *json.Number   `json:"intValue"`
	StringValue   *string        `json:"stringValue"`
	LocationValue *locationValue `json:"locationValue"`
}

type locationValue struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

//number returns the numeric content of the tuple value regardless of which
//variant the provider chose
func (v *tupleValue) number() *float64 {
	if v.DoubleValue != nil {
		return v.DoubleValue
	}
	if v.FloatValue != nil {
		return v.FloatValue
	}
	if v.IntValue != nil {
		if f, err := v.IntValue.Float64(); err == nil {
			return &f
		}
	}
	if v.StringValue != nil {
		if f, err := strconv.ParseFloat(*v.StringValue, 64); err == nil {
			return &f
		}
	}
	return nil
}

func (v *tupleValue) text() *string {
	if v.StringValue != nil {
		return v.StringValue
	}
	return nil
}

//parseObjectPayload handles the two object shapes: a wrapper carrying vin,
//vehicle state and tuples (as an array, or keyed by numeric strings), or a
//flat object with named measurement fields
func parseObjectPayload(event *journal.TelemetryEvent, body []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("unable to parse object payload: %w", err)
	}

	event.Vin = findVin(fields)
	if raw, present := firstPresent(fields, "state", "status"); present {
		var state string
		if json.Unmarshal(raw, &state) == nil && state != "" {
			normalized := strings.ToLower(state)
			event.VehicleState = &normalized
		}
	}
	if raw, present := firstPresent(fields, "timestamp", "createdAt", "created_at"); present {
		if at, ok := parseTimestamp(raw); ok {
			event.CreatedAt = at
		}
	}

	if raw, present := fields["data"]; present {
		tuples, err := parseTupleContainer(raw)
		if err != nil {
			return err
		}
		applyTuples(event, tuples)
		return nil
	}
	if tuples, ok := numericKeyedTuples(fields); ok {
		applyTuples(event, tuples)
		return nil
	}

	applyFlatFields(event, fields)
	return nil
}

//parseTupleContainer accepts tuples as an array or an object keyed by numeric
//strings, converting the latter to an array in key order
func parseTupleContainer(raw json.RawMessage) ([]telemetryTuple, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tuples []telemetryTuple
		if err := json.Unmarshal(trimmed, &tuples); err != nil {
			return nil, fmt.Errorf("unable to parse tuple array: %w", err)
		}
		return tuples, nil
	}
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &keyed); err != nil {
		return nil, fmt.Errorf("unable to parse tuple container: %w", err)
	}
	tuples, ok := numericKeyedTuples(keyed)
	if !ok {
		return nil, fmt.Errorf("tuple container is not numerically keyed")
	}
	return tuples, nil
}

//numericKeyedTuples converts {"0": tuple, "1": tuple, ...} to an ordered slice.
//Returns false when any key is non-numeric.
func numericKeyedTuples(fields map[string]json.RawMessage) ([]telemetryTuple, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	keys := make([]int, 0, len(fields))
	byIndex := make(map[int]json.RawMessage, len(fields))
	for key, raw := range fields {
		index, err := strconv.Atoi(key)
		if err != nil {
			return nil, false
		}
		keys = append(keys, index)
		byIndex[index] = raw
	}
	sort.Ints(keys)
	tuples := make([]telemetryTuple, 0, len(keys))
	for _, index := range keys {
		var tuple telemetryTuple
		if err := json.Unmarshal(byIndex[index], &tuple); err != nil {
			return nil, false
		}
		tuples = append(tuples, tuple)
	}
	return tuples, true
}

//applyTuples folds measurement tuples into the event draft
func applyTuples(event *journal.TelemetryEvent, tuples []telemetryTuple) {
	for _, tuple := range tuples {
		value := tuple.Value
		switch tuple.Key {
		case "ShiftState", "Gear":
			if text := value.text(); text != nil && *text != "" {
				event.ShiftState = text
			}
		case "VehicleSpeed":
			if speed := value.number(); speed != nil {
				unit := "km/h"
				event.Speed = speed
				event.SpeedUnit = &unit
			}
		case "Odometer":
			event.OdometerKm = odometerMilesToKm(value.number())
		case "Location":
			if value.LocationValue != nil {
				latitude := value.LocationValue.Latitude
				longitude := value.LocationValue.Longitude
				event.Latitude = &latitude
				event.Longitude = &longitude
			}
		case "BatteryLevel":
			event.BatteryLevel = value.number()
		case "Vin", "VIN":
			if text := value.text(); text != nil {
				event.Vin = *text
			}
		case "Timestamp", "CreatedAt":
			if text := value.text(); text != nil {
				if at, err := time.Parse(time.RFC3339, *text); err == nil {
					event.CreatedAt = at.UTC()
				}
			}
		}
	}
}

//applyFlatFields reads direct named fields from a flat object payload
func applyFlatFields(event *journal.TelemetryEvent, fields map[string]json.RawMessage) {
	if raw, present := firstPresent(fields, "ShiftState", "shift_state", "Gear", "gear"); present {
		var shift string
		if json.Unmarshal(raw, &shift) == nil && shift != "" {
			event.ShiftState = &shift
		}
	}
	if raw, present := firstPresent(fields, "VehicleSpeed", "speed"); present {
		if speed := rawFloat(raw); speed != nil {
			unit := "km/h"
			event.Speed = speed
			event.SpeedUnit = &unit
		}
	}
	if raw, present := firstPresent(fields, "Odometer", "odometer"); present {
		event.OdometerKm = odometerMilesToKm(rawFloat(raw))
	}
	if raw, present := fields["Location"]; present {
		var location locationValue
		if json.Unmarshal(raw, &location) == nil {
			event.Latitude = &location.Latitude
			event.Longitude = &location.Longitude
		}
	}
	if raw, present := firstPresent(fields, "Latitude", "latitude"); present {
		event.Latitude = rawFloat(raw)
	}
	if raw, present := firstPresent(fields, "Longitude", "longitude"); present {
		event.Longitude = rawFloat(raw)
	}
	if raw, present := firstPresent(fields, "BatteryLevel", "battery_level"); present {
		event.BatteryLevel = rawFloat(raw)
	}
}

//findVin locates the VIN at the root, under vehicle, or under metadata
func findVin(fields map[string]json.RawMessage) string {
	if raw, present := firstPresent(fields, "vin", "Vin", "VIN"); present {
		var vin string
		if json.Unmarshal(raw, &vin) == nil && vin != "" {
			return vin
		}
	}
	for _, wrapper := range []string{"vehicle", "metadata"} {
		raw, present := fields[wrapper]
		if !present {
			continue
		}
		var nested struct {
			Vin string `json:"vin"`
		}
		if json.Unmarshal(raw, &nested) == nil && nested.Vin != "" {
			return nested.Vin
		}
	}
	return ""
}

//odometerMilesToKm converts a provider odometer reading in miles to km,
//treating zero and negative readings as absent
func odometerMilesToKm(miles *float64) *float64 {
	if miles == nil || *miles <= 0 {
		return nil
	}
	km := *miles * milesToKm
	return &km
}

//parseTimestamp accepts an RFC3339 string or an epoch in seconds or milliseconds
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		if at, err := time.Parse(time.RFC3339, text); err == nil {
			return at.UTC(), true
		}
		return time.Time{}, false
	}
	var epoch float64
	if json.Unmarshal(raw, &epoch) == nil && epoch > 0 {
		//epochs beyond the year 2286 in seconds are milliseconds
		if epoch > 1e12 {
			return time.UnixMilli(int64(epoch)).UTC(), true
		}
		return time.Unix(int64(epoch), 0).UTC(), true
	}
	return time.Time{}, false
}

func rawFloat(raw json.RawMessage) *float64 {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return &f
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		if parsed, err := strconv.ParseFloat(text, 64); err == nil {
			return &parsed
		}
	}
	return nil
}

func firstPresent(fields map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		if raw, present := fields[key]; present {
			return raw, true
		}
	}
	return nil, false
}
