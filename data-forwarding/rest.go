package dataforwarding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// RESTSink posts the readings of every event to an HTTP endpoint.
type RESTSink struct {
	destinationURL string
	headers        map[string]string
	client         *http.Client
}

func NewRESTSink(destinationURL string, headers map[string]string) *RESTSink {
	return &RESTSink{
		destinationURL: destinationURL,
		headers:        headers,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *RESTSink) String() string { return "rest " + s.destinationURL }

// Send posts the readings of the event payload as a JSON array.
func (s *RESTSink) Send(topic string, payload []byte) error {
	dataPoints, err := decodeEvent(payload)
	if err != nil {
		return fmt.Errorf("decoding event on %s: %w", topic, err)
	}
	if len(dataPoints) == 0 {
		return nil
	}
	return s.sendDataToREST(dataPoints)
}

func (s *RESTSink) sendDataToREST(dataPoints []DeviceData) error {
	readings := make([]DataReading, 0, len(dataPoints))
	for _, point := range dataPoints {
		readings = append(readings, DataReading{
			DatapointId: point.DeviceName + "/" + point.Datapoint,
			Value:       point.Value,
			Timestamp:   point.Timestamp,
		})
	}

	jsonData, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("error marshalling data: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.destinationURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("error creating HTTP request: %w", err)
	}

	names := make([]string, 0, len(s.headers))
	for name := range s.headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.Header.Add(name, s.headers[name])
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("received non-OK HTTP status: %d", resp.StatusCode)
	}
	return nil
}
