package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"device-opcua/config"
	opcua "device-opcua/driver/opcua"
	"device-opcua/logic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCommands struct {
	mu                               sync.Mutex
	device, object, operation, value string
	result                           *logic.CommandResult
	err                              error
}

func (f *fakeCommands) Execute(ctx context.Context, device, object, operation, value string) (*logic.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device, f.object, f.operation, f.value = device, object, operation, value
	return f.result, f.err
}

type fakeCache map[string][]opcua.Response

func (f fakeCache) GetResponses(device, operation string) []opcua.Response {
	return f[device+"/"+operation]
}

type fakeDiscovery struct {
	servers []map[string]string
	err     error
}

func (f *fakeDiscovery) Discover(ctx context.Context) ([]map[string]string, error) {
	return f.servers, f.err
}

type fakeManager struct {
	restarts int
}

func (f *fakeManager) States() map[string]string {
	return map[string]string{"boiler": logic.Running}
}

func (f *fakeManager) RestartAll() { f.restarts++ }

type fakeDevices []opcua.Device

func (f fakeDevices) Devices() []opcua.Device { return f }

type fakeBroker struct {
	mu   sync.Mutex
	subs map[int]func(topic string, payload []byte)
}

func (b *fakeBroker) Info() (clients, messages, uptime int64, ok bool) {
	return 2, 40, 60, true
}

func (b *fakeBroker) Subscribe(filter string, id int, fn func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(string, []byte))
	}
	b.subs[id] = fn
	return nil
}

func (b *fakeBroker) Unsubscribe(filter string, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	return nil
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBroker) publish(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fn := range b.subs {
		fn(topic, payload)
	}
}

type testEnv struct {
	srv      *Server
	commands *fakeCommands
	manager  *fakeManager
	broker   *fakeBroker
	disc     *fakeDiscovery
}

func newTestEnv(t *testing.T, requireLogin bool) *testEnv {
	t.Helper()
	db, err := logic.InitDB("sqlite", filepath.Join(t.TempDir(), "webui.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		commands: &fakeCommands{},
		manager:  &fakeManager{},
		broker:   &fakeBroker{},
		disc:     &fakeDiscovery{},
	}
	env.srv = New(config.WebUIConfig{SessionSecret: "test-secret", RequireLogin: requireLogin}, Deps{
		DB:        db,
		Commands:  env.commands,
		Cache:     fakeCache{"boiler/temperature-get": {{Device: "boiler", Operation: "temperature-get", Value: "21.5"}}},
		Discovery: env.disc,
		Manager:   env.manager,
		Devices: fakeDevices{{
			Name:             "boiler",
			Addressable:      opcua.Addressable{Protocol: opcua.ProtocolTCP, Address: "10.0.0.5", Port: 4840},
			SamplingInterval: time.Second,
			PublishPolicy:    logic.PolicyCyclic,
		}},
		Broker:     env.broker,
		EventTopic: "events/opcua",
	})
	return env
}

func (e *testEnv) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/v1/login", `{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/v1/login", `{"username":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/login", `{"username":"admin","password":"password"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	w = env.do(http.MethodGet, "/api/v1/profile", "", cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	var profile logic.Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &profile))
	assert.Equal(t, "admin", profile.Username)

	w = env.do(http.MethodPost, "/api/v1/logout", "", cookies...)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(http.MethodGet, "/api/v1/profile", "", w.Result().Cookies()...)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetDeviceObject(t *testing.T) {
	env := newTestEnv(t, false)
	env.commands.result = &logic.CommandResult{
		TransactionID: "tx-1",
		Device:        "boiler",
		Object:        "temperature",
		Operation:     "temperature-get",
		Responses:     []opcua.Response{{Value: "21.5"}},
	}

	w := env.do(http.MethodGet, "/api/v1/device/boiler/temperature", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "get", env.commands.operation)

	var got logic.CommandResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "tx-1", got.TransactionID)
	assert.Equal(t, "21.5", got.Value())

	env.do(http.MethodGet, "/api/v1/device/boiler/temperature?operation=temperature-get", "")
	assert.Equal(t, "temperature-get", env.commands.operation)
}

func TestPutDeviceObject(t *testing.T) {
	env := newTestEnv(t, false)
	env.commands.result = &logic.CommandResult{Responses: []opcua.Response{{Value: "23"}}}

	w := env.do(http.MethodPut, "/api/v1/device/boiler/setpoint", `{"value": 23}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "boiler", env.commands.device)
	assert.Equal(t, "setpoint", env.commands.object)
	assert.Equal(t, "set", env.commands.operation)
	assert.Equal(t, "23", env.commands.value)

	env.do(http.MethodPut, "/api/v1/device/boiler/setpoint", `{"operation":"setpoint-set","value":"on"}`)
	assert.Equal(t, "setpoint-set", env.commands.operation)
	assert.Equal(t, "on", env.commands.value)

	w = env.do(http.MethodPut, "/api/v1/device/boiler/setpoint", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: pump", logic.ErrUnknownDevice), http.StatusNotFound},
		{logic.ErrNoOperation, http.StatusBadRequest},
		{opcua.ErrUnsupportedOperation, http.StatusBadRequest},
		{opcua.ErrProtocolTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: BadNodeIdUnknown", opcua.ErrProtocolError), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			env := newTestEnv(t, false)
			env.commands.err = tt.err
			w := env.do(http.MethodGet, "/api/v1/device/boiler/temperature", "")
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.err.Error())
		})
	}
}

func TestGetCache(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodGet, "/api/v1/cache/boiler/temperature-get", "")
	require.Equal(t, http.StatusOK, w.Code)
	var responses []opcua.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &responses))
	require.Len(t, responses, 1)
	assert.Equal(t, "21.5", responses[0].Value)

	w = env.do(http.MethodGet, "/api/v1/cache/boiler/setpoint-get", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiscovery(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodGet, "/api/v1/discovery", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	env.disc.servers = []map[string]string{{"application_uri": "urn:boiler"}}
	w = env.do(http.MethodGet, "/api/v1/discovery", "")
	assert.JSONEq(t, `[{"application_uri":"urn:boiler"}]`, w.Body.String())

	env.disc.err = errors.New("all endpoints failed")
	w = env.do(http.MethodGet, "/api/v1/discovery", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestDevicesAndRestart(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	var devices []Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, Device{
		Name:             "boiler",
		Endpoint:         "opc.tcp://10.0.0.5:4840/",
		SamplingInterval: "1s",
		PublishPolicy:    logic.PolicyCyclic,
		State:            logic.Running,
	}, devices[0])

	w = env.do(http.MethodPost, "/api/v1/restart", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.manager.restarts)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, BrokerStatus{Running: true, Uptime: 60, NumberMessages: 40, NumberClients: 2}, status.Broker)
	assert.Equal(t, logic.Running, status.Devices["boiler"])
	assert.Positive(t, status.Host.NumGoroutines)
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, logic.SetupLogging("info", "json", 50))
	logic.ClearLogs()

	w := env.do(http.MethodGet, "/api/v1/logs?n=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Logs []string `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.LessOrEqual(t, len(body.Logs), 1)

	w = env.do(http.MethodDelete, "/api/v1/logs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBrokerUsersAndPassword(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodGet, "/api/v1/broker/users", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = env.do(http.MethodPost, "/api/v1/profile/password", `{"currentPassword":"wrong","newPassword":"next"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(http.MethodPost, "/api/v1/profile/password", `{"currentPassword":"password","newPassword":"next"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPut, "/api/v1/profile", `{"name":"Operator","email":"ops@plant"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"username":"admin","name":"Operator","email":"ops@plant"}`, w.Body.String())

	assert.Equal(t, "R/W", getPermissionText(3))
	assert.Equal(t, "unknown", getPermissionText(7))
}

func TestEventsWebSocket(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.broker.count() == 1 }, time.Second, 5*time.Millisecond)
	env.broker.publish("events/opcua/boiler", []byte(`{"device":"boiler"}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"device":"boiler"}`, string(msg))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	assert.Eventually(t, func() bool { return env.broker.count() == 0 }, time.Second, 5*time.Millisecond)
}
