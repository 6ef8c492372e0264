package dataforwarding

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FileSink appends every reading of an event as one line to a file.
type FileSink struct {
	mu       sync.Mutex
	filePath string
}

func NewFileSink(filePath string) *FileSink {
	return &FileSink{filePath: filePath}
}

func (s *FileSink) String() string { return "file " + s.filePath }

// Send writes the readings of the event payload.
func (s *FileSink) Send(topic string, payload []byte) error {
	dataPoints, err := decodeEvent(payload)
	if err != nil {
		return fmt.Errorf("decoding event on %s: %w", topic, err)
	}
	return s.writeDataToFile(dataPoints)
}

func (s *FileSink) writeDataToFile(dataPoints []DeviceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	for _, data := range dataPoints {
		dataLine := fmt.Sprintf("%s - Device: %s, Datapoint: %s, Value: %s, Timestamp: %s\n",
			time.Now().Format(time.RFC3339), data.DeviceName, data.Datapoint, data.Value, data.Timestamp)
		if _, err := file.WriteString(dataLine); err != nil {
			return fmt.Errorf("failed to write to file: %w", err)
		}
	}

	logrus.Debugf("FWD: wrote %d data points to file %s", len(dataPoints), s.filePath)
	return nil
}
