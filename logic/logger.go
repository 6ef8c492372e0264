package logic

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// In-memory log ring served by the web front-end.
var (
	logMutex      sync.Mutex
	inMemoryLogs  []string
	maxLogEntries = 300
)

var hookOnce sync.Once

// SetupLogging configures the global logrus logger and registers the
// memory hook. maxEntries <= 0 keeps the current ring size.
func SetupLogging(level, format string, maxEntries int) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	switch format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)

	logMutex.Lock()
	if maxEntries > 0 {
		maxLogEntries = maxEntries
	}
	if len(inMemoryLogs) > maxLogEntries {
		inMemoryLogs = inMemoryLogs[len(inMemoryLogs)-maxLogEntries:]
	}
	logMutex.Unlock()

	hookOnce.Do(func() {
		logrus.AddHook(&memoryHook{})
	})
	return nil
}

// GetLogs returns a copy of the buffered log lines, oldest first.
func GetLogs() []string {
	logMutex.Lock()
	defer logMutex.Unlock()

	logsCopy := make([]string, len(inMemoryLogs))
	copy(logsCopy, inMemoryLogs)
	return logsCopy
}

// ClearLogs drops all buffered log lines.
func ClearLogs() {
	logMutex.Lock()
	defer logMutex.Unlock()

	inMemoryLogs = make([]string, 0, maxLogEntries)
}

// addLogEntry appends entry, discarding the oldest line when the ring is full.
func addLogEntry(entry string) {
	logMutex.Lock()
	defer logMutex.Unlock()

	if len(inMemoryLogs) >= maxLogEntries {
		inMemoryLogs = inMemoryLogs[1:]
	}
	inMemoryLogs = append(inMemoryLogs, entry)
}

// memoryHook copies every formatted entry into the ring.
type memoryHook struct{}

func (hook *memoryHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	addLogEntry(line)
	return nil
}

func (hook *memoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
