package logic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"device-opcua/config"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := InitDB("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var boilerSeed = config.DeviceSeed{
	Name:             "boiler",
	Protocol:         "tcp",
	Address:          "10.0.0.5",
	Port:             4840,
	Path:             "ns=2;s=Boiler",
	SamplingInterval: 20 * time.Millisecond,
	PublishPolicy:    PolicyOnChange,
	Objects: []config.ObjectSeed{
		{Name: "temperature", ProviderKey: "ns=2;s=Temperature"},
		{Name: "setpoint", ProviderKey: "ns=2;s=Setpoint"},
	},
	Operations: []config.OperationSeed{
		{Name: "temperature-get", Kind: "get", Object: "temperature"},
		{Name: "setpoint-get", Kind: "get", Object: "setpoint"},
		{Name: "setpoint-set", Kind: "set", Object: "setpoint"},
	},
}

var valveSeed = config.DeviceSeed{
	Name:     "valve",
	Protocol: "tcp",
	Address:  "10.0.0.6",
	Port:     4840,
	Objects:  []config.ObjectSeed{{Name: "position", ProviderKey: "ns=2;i=7"}},
	Operations: []config.OperationSeed{
		{Name: "position-set", Kind: "set", Object: "position"},
	},
}

func newTestStore(t *testing.T, seeds ...config.DeviceSeed) *DeviceStore {
	t.Helper()
	store, err := NewDeviceStore(context.Background(), newTestDB(t))
	require.NoError(t, err)
	require.NoError(t, store.Seed(context.Background(), seeds))
	return store
}
