package dataforwarding

import (
	"encoding/json"
	"time"

	"device-opcua/mqtt_broker"
)

// DataReading is the format a REST destination receives.
type DataReading struct {
	DatapointId string `json:"DatapointId"`
	Value       string `json:"Value"`
	Timestamp   string `json:"Timestamp"`
}

// DeviceData is one reading of one device, flattened from an event.
type DeviceData struct {
	DeviceName string
	Datapoint  string
	Value      string
	Timestamp  string
}

// decodeEvent flattens an event payload into device data.
func decodeEvent(payload []byte) ([]DeviceData, error) {
	var event mqtt_broker.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	out := make([]DeviceData, 0, len(event.Readings))
	for _, r := range event.Readings {
		out = append(out, DeviceData{
			DeviceName: event.Device,
			Datapoint:  r.Name,
			Value:      r.Value,
			Timestamp:  time.Unix(0, r.Origin).UTC().Format(time.RFC3339Nano),
		})
	}
	return out, nil
}
