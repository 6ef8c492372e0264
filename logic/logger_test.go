package logic

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggingRing(t *testing.T) {
	require.NoError(t, SetupLogging("info", "text", 5))
	defer SetupLogging("info", "json", 300)
	ClearLogs()

	for i := 0; i < 7; i++ {
		logrus.Infof("TEST: line %d", i)
	}
	logrus.Debug("TEST: filtered by level")

	logs := GetLogs()
	require.Len(t, logs, 5)
	assert.Contains(t, logs[0], "TEST: line 2")
	assert.Contains(t, logs[4], "TEST: line 6")

	logs[0] = "changed"
	assert.NotEqual(t, "changed", GetLogs()[0])

	ClearLogs()
	assert.Empty(t, GetLogs())
}

func TestSetupLoggingRejectsLevel(t *testing.T) {
	err := SetupLogging("loud", "json", 0)
	assert.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "loud")
}
