package logic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"device-opcua/config"
	opcua "device-opcua/driver/opcua"

	"github.com/sirupsen/logrus"
)

// Device states, as published on the state topic and kept in the devices table.
const (
	Stopped      = "0 (stopped)"
	Running      = "1 (running)"
	Initializing = "2 (initializing)"
	Error        = "3 (error)"
	NoDatapoints = "4 (no datapoints)"
)

type deviceRow struct {
	name          string
	addressable   string
	sampling      time.Duration
	publishPolicy string
}

// DeviceStore is the metadata store. Reads are served from memory; Refresh
// reloads a kind of metadata from the database.
type DeviceStore struct {
	db *DB

	mu           sync.RWMutex
	addressables map[string]opcua.Addressable
	devices      map[string]deviceRow
	objects      map[string][]opcua.Object
	operations   map[string][]opcua.Operation
}

// NewDeviceStore loads all metadata from db.
func NewDeviceStore(ctx context.Context, db *DB) (*DeviceStore, error) {
	s := &DeviceStore{db: db}
	if err := s.Refresh(ctx, opcua.MetaDataAll); err != nil {
		return nil, err
	}
	return s, nil
}

// Seed replaces the stored metadata with seeds in one transaction and
// reloads the cache.
func (s *DeviceStore) Seed(ctx context.Context, seeds []config.DeviceSeed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"device_operations", "device_objects", "devices", "addressables"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, d := range seeds {
		policy := d.PublishPolicy
		if policy == "" {
			policy = PolicyCyclic
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO addressables (name, protocol, address, port, path) VALUES (?, ?, ?, ?, ?)`),
			d.Name, opcua.ParseProtocol(d.Protocol).String(), d.Address, int(d.Port), d.Path); err != nil {
			return fmt.Errorf("inserting addressable of %s: %w", d.Name, err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO devices (name, addressable, sampling_ms, publish_policy, status) VALUES (?, ?, ?, ?, ?)`),
			d.Name, d.Name, d.SamplingInterval.Milliseconds(), policy, Stopped); err != nil {
			return fmt.Errorf("inserting device %s: %w", d.Name, err)
		}
		for _, o := range d.Objects {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO device_objects (device, name, provider_key) VALUES (?, ?, ?)`),
				d.Name, o.Name, o.ProviderKey); err != nil {
				return fmt.Errorf("inserting object %s/%s: %w", d.Name, o.Name, err)
			}
		}
		for _, op := range d.Operations {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO device_operations (device, name, kind, object, parameter) VALUES (?, ?, ?, ?, ?)`),
				d.Name, op.Name, op.Kind, op.Object, op.Parameter); err != nil {
				return fmt.Errorf("inserting operation %s/%s: %w", d.Name, op.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logrus.Infof("DM: seeded %d devices", len(seeds))
	return s.Refresh(ctx, opcua.MetaDataAll)
}

// Refresh reloads the selected kind of metadata into the cache.
func (s *DeviceStore) Refresh(ctx context.Context, kind opcua.MetaDataType) error {
	var (
		addressables map[string]opcua.Addressable
		devices      map[string]deviceRow
		objects      map[string][]opcua.Object
		operations   map[string][]opcua.Operation
		err          error
	)
	all := kind == opcua.MetaDataAll
	if all || kind == opcua.MetaDataAddressable {
		if addressables, err = s.loadAddressables(ctx); err != nil {
			return err
		}
	}
	if all || kind == opcua.MetaDataDevice {
		if devices, err = s.loadDevices(ctx); err != nil {
			return err
		}
	}
	if all || kind == opcua.MetaDataDeviceProfile {
		if objects, operations, err = s.loadProfiles(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if addressables != nil {
		s.addressables = addressables
	}
	if devices != nil {
		s.devices = devices
	}
	if objects != nil {
		s.objects = objects
		s.operations = operations
	}
	logrus.Debugf("DM: refreshed %s metadata", kind)
	return nil
}

func (s *DeviceStore) loadAddressables(ctx context.Context) (map[string]opcua.Addressable, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, protocol, address, port, path FROM addressables`)
	if err != nil {
		return nil, fmt.Errorf("DM: error querying addressables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]opcua.Addressable)
	for rows.Next() {
		var a opcua.Addressable
		var protocol string
		var port int
		if err := rows.Scan(&a.Name, &protocol, &a.Address, &port, &a.Path); err != nil {
			return nil, fmt.Errorf("DM: error scanning addressable: %w", err)
		}
		a.Protocol = opcua.ParseProtocol(protocol)
		a.Port = uint16(port)
		out[a.Name] = a
	}
	return out, rows.Err()
}

func (s *DeviceStore) loadDevices(ctx context.Context) (map[string]deviceRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, addressable, sampling_ms, publish_policy FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("DM: error querying devices: %w", err)
	}
	defer rows.Close()

	out := make(map[string]deviceRow)
	for rows.Next() {
		var d deviceRow
		var ms int64
		if err := rows.Scan(&d.name, &d.addressable, &ms, &d.publishPolicy); err != nil {
			return nil, fmt.Errorf("DM: error scanning device: %w", err)
		}
		d.sampling = time.Duration(ms) * time.Millisecond
		out[d.name] = d
	}
	return out, rows.Err()
}

func (s *DeviceStore) loadProfiles(ctx context.Context) (map[string][]opcua.Object, map[string][]opcua.Operation, error) {
	objects := make(map[string][]opcua.Object)
	rows, err := s.db.QueryContext(ctx, `SELECT device, name, provider_key FROM device_objects ORDER BY device, name`)
	if err != nil {
		return nil, nil, fmt.Errorf("DM: error querying device objects: %w", err)
	}
	for rows.Next() {
		var device string
		var o opcua.Object
		if err := rows.Scan(&device, &o.Name, &o.Attributes.ProviderKey); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("DM: error scanning device object: %w", err)
		}
		objects[device] = append(objects[device], o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	operations := make(map[string][]opcua.Operation)
	rows, err = s.db.QueryContext(ctx, `SELECT device, name, kind, object, parameter FROM device_operations ORDER BY device, name`)
	if err != nil {
		return nil, nil, fmt.Errorf("DM: error querying device operations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var device string
		var op opcua.Operation
		if err := rows.Scan(&device, &op.Name, &op.Kind, &op.Object, &op.Parameter); err != nil {
			return nil, nil, fmt.Errorf("DM: error scanning device operation: %w", err)
		}
		operations[device] = append(operations[device], op)
	}
	return objects, operations, rows.Err()
}

// Device returns the named device with its addressable.
func (s *DeviceStore) Device(name string) (opcua.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device(name)
}

func (s *DeviceStore) device(name string) (opcua.Device, bool) {
	row, ok := s.devices[name]
	if !ok {
		return opcua.Device{}, false
	}
	a, ok := s.addressables[row.addressable]
	if !ok {
		return opcua.Device{}, false
	}
	return opcua.Device{
		Name:             row.name,
		Addressable:      a,
		SamplingInterval: row.sampling,
		PublishPolicy:    row.publishPolicy,
	}, true
}

// Devices returns every device with a known addressable, sorted by name.
func (s *DeviceStore) Devices() []opcua.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]opcua.Device, 0, len(s.devices))
	for name := range s.devices {
		if d, ok := s.device(name); ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Objects returns the objects of the device profile.
func (s *DeviceStore) Objects(device string) []opcua.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]opcua.Object(nil), s.objects[device]...)
}

// Object returns one object of the device profile.
func (s *DeviceStore) Object(device, name string) (opcua.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.objects[device] {
		if o.Name == name {
			return o, true
		}
	}
	return opcua.Object{}, false
}

// Operations returns the operations of the device profile.
func (s *DeviceStore) Operations(device string) []opcua.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]opcua.Operation(nil), s.operations[device]...)
}

// FindOperation resolves a command on object. op is first matched against
// operation names, then parsed as a command kind and matched against the
// operations of the object.
func (s *DeviceStore) FindOperation(device, object, op string) (opcua.Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := s.operations[device]
	for _, o := range ops {
		if o.Name == op && o.Object == object {
			return o, true
		}
	}
	kind, err := opcua.ParseCommandKind(op)
	if err != nil {
		return opcua.Operation{}, false
	}
	for _, o := range ops {
		if o.Object != object {
			continue
		}
		if k, err := opcua.ParseCommandKind(o.Kind); err == nil && k == kind {
			return o, true
		}
	}
	return opcua.Operation{}, false
}

// SetStatus records the device state in the devices table.
func (s *DeviceStore) SetStatus(ctx context.Context, device, status string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE devices SET status = ? WHERE name = ?"), status, device)
	if err != nil {
		return fmt.Errorf("DM: error updating device state: %w", err)
	}
	return nil
}

// Status reads the stored state of device.
func (s *DeviceStore) Status(ctx context.Context, device string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT status FROM devices WHERE name = ?"), device).Scan(&status)
	return status, err
}
