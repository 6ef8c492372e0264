package logic

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls a config file and calls onChange when its
// modification time moves.
type ConfigWatcher struct {
	path        string
	interval    time.Duration
	lastModTime time.Time
}

// NewConfigWatcher records the current modification time of path so the
// first poll does not report a change.
func NewConfigWatcher(path string, interval time.Duration) *ConfigWatcher {
	w := &ConfigWatcher{path: path, interval: interval}
	if mt, err := getConfigModTime(path); err == nil {
		w.lastModTime = mt
	}
	return w
}

func getConfigModTime(configPath string) (time.Time, error) {
	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not get file info: %w", err)
	}
	return fileInfo.ModTime(), nil
}

func (w *ConfigWatcher) hasConfigChanged() (bool, error) {
	currentModTime, err := getConfigModTime(w.path)
	if err != nil {
		return false, err
	}
	if !currentModTime.Equal(w.lastModTime) {
		w.lastModTime = currentModTime
		return true, nil
	}
	return false, nil
}

// Run polls until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context, onChange func()) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		changed, err := w.hasConfigChanged()
		if err != nil {
			logrus.Warnf("CONFIG: error checking config change: %v", err)
			continue
		}
		if changed {
			logrus.Infof("CONFIG: %s has changed.", w.path)
			onChange()
		}
	}
}
