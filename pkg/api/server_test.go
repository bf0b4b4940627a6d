package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/gb_gateway/pkg/protocol"
	"github.com/arzzra/gb_gateway/pkg/session"
	"github.com/arzzra/gb_gateway/pkg/signaling"
)

const deviceID = "34020000001320000001"

type fakeDevice struct {
	mu    sync.Mutex
	info  session.Info
	err   error
	calls []string
}

func (d *fakeDevice) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return d.err
}

func (d *fakeDevice) Info() session.Info { return d.info }

func (d *fakeDevice) RequestRealtimeVideo(context.Context) error { return d.record("video") }

func (d *fakeDevice) CancelRealtimeVideo(context.Context) error { return d.record("cancel") }

func (d *fakeDevice) QueryDevice(context.Context) error { return d.record("info") }

func (d *fakeDevice) QueryDirectory(_ context.Context, from, to int) error {
	return d.record(fmt.Sprintf("catalog %d..%d", from, to))
}

func (d *fakeDevice) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type fakeDevices struct {
	devices map[string]*fakeDevice
	events  signaling.Observers[session.Event]
}

func (f *fakeDevices) List() []session.Info {
	out := make([]session.Info, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d.Info())
	}
	return out
}

func (f *fakeDevices) Device(id string) (Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNoSession, id)
	}
	return d, nil
}

func (f *fakeDevices) OnEvent(fn func(session.Event)) func() {
	return f.events.Add(fn)
}

type fakeRegistrar struct {
	regs     []signaling.Registration
	catalog  signaling.Observers[signaling.CatalogEvent]
	response signaling.Observers[signaling.ResponseEvent]
}

func (f *fakeRegistrar) QueueDepth() int { return 3 }

func (f *fakeRegistrar) Registrations() []signaling.Registration { return f.regs }

func (f *fakeRegistrar) Registration(id string) (signaling.Registration, bool) {
	for _, r := range f.regs {
		if r.DeviceID == id {
			return r, true
		}
	}
	return signaling.Registration{}, false
}

func (f *fakeRegistrar) OnCatalog(fn func(signaling.CatalogEvent)) func() {
	return f.catalog.Add(fn)
}

func (f *fakeRegistrar) OnResponse(fn func(signaling.ResponseEvent)) func() {
	return f.response.Add(fn)
}

type fixture struct {
	device    *fakeDevice
	devices   *fakeDevices
	registrar *fakeRegistrar
	server    *Server
	http      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	device := &fakeDevice{info: session.Info{DeviceID: deviceID, Name: "Камера 1", State: session.StateReady}}
	devices := &fakeDevices{devices: map[string]*fakeDevice{deviceID: device}}
	registrar := &fakeRegistrar{regs: []signaling.Registration{{DeviceID: deviceID, Expires: 3600}}}
	server := New(Config{}, devices, registrar)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return &fixture{device: device, devices: devices, registrar: registrar, server: server, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, Result[json.RawMessage]) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var body Result[json.RawMessage]
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res, body
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)

	res, body := f.do(t, http.MethodGet, "/api/devices")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", res.Header.Get("Content-Type"))

	var views []DeviceView
	require.NoError(t, json.Unmarshal(body.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, deviceID, views[0].DeviceID)
	assert.Equal(t, session.StateReady, views[0].State)
	require.NotNil(t, views[0].Registration)
	assert.Equal(t, 3600, views[0].Registration.Expires)
}

func TestGetDeviceNotFound(t *testing.T) {
	f := newFixture(t)

	res, body := f.do(t, http.MethodGet, "/api/devices/unknown")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, http.StatusNotFound, body.Code)
}

func TestDeviceOperations(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method string
		path   string
		call   string
	}{
		{http.MethodPost, "/api/devices/" + deviceID + "/video", "video"},
		{http.MethodDelete, "/api/devices/" + deviceID + "/video", "cancel"},
		{http.MethodPost, "/api/devices/" + deviceID + "/info", "info"},
		{http.MethodPost, "/api/devices/" + deviceID + "/catalog", "catalog 0..0"},
		{http.MethodPost, "/api/devices/" + deviceID + "/catalog?from=10&to=20", "catalog 10..20"},
	}
	for _, tt := range tests {
		res, body := f.do(t, tt.method, tt.path)
		assert.Equal(t, http.StatusAccepted, res.StatusCode, tt.path)
		assert.Equal(t, 0, body.Code)
	}

	want := make([]string, 0, len(tests))
	for _, tt := range tests {
		want = append(want, tt.call)
	}
	assert.Equal(t, want, f.device.recorded())
}

func TestDeviceOperationErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not ready", session.ErrNotReady, http.StatusConflict},
		{"closed", session.ErrClosed, http.StatusServiceUnavailable},
		{"send failure", fmt.Errorf("ошибка отправки"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.device.err = fmt.Errorf("video: %w", tt.err)

			res, _ := f.do(t, http.MethodPost, "/api/devices/"+deviceID+"/video")
			assert.Equal(t, tt.status, res.StatusCode)
		})
	}
}

func TestQueryCatalogBadRange(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodPost, "/api/devices/"+deviceID+"/catalog?from=20&to=10")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/devices/"+deviceID+"/catalog?from=abc")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Empty(t, f.device.recorded())
}

func TestRegistrar(t *testing.T) {
	f := newFixture(t)

	res, body := f.do(t, http.MethodGet, "/api/registrar")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var view RegistrarView
	require.NoError(t, json.Unmarshal(body.Data, &view))
	assert.Equal(t, 3, view.QueueDepth)
	require.Len(t, view.Registrations, 1)
	assert.Equal(t, deviceID, view.Registrations[0].DeviceID)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/devices")

	res, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.server.hub.count() == 1 }, time.Second, 10*time.Millisecond)

	f.devices.events.Emit(session.Event{DeviceID: deviceID, Kind: session.EventInited, State: session.StateReady})
	res := &sip.Response{StatusCode: 200, Reason: "OK"}
	f.registrar.response.Emit(signaling.ResponseEvent{Response: res, CallID: "call-1", Variable: protocol.VariableRealMedia})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first struct {
		Type string        `json:"type"`
		Data session.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "session", first.Type)
	assert.Equal(t, session.EventInited, first.Data.Kind)
	assert.Equal(t, deviceID, first.Data.DeviceID)

	var second struct {
		Type string       `json:"type"`
		Data ResponseView `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "response", second.Type)
	assert.Equal(t, 200, second.Data.StatusCode)
	assert.Equal(t, "call-1", second.Data.CallID)
	assert.Equal(t, protocol.VariableRealMedia, second.Data.Variable)
}

func TestEventStreamClosedOnShutdown(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.server.hub.count() == 1 }, time.Second, 10*time.Millisecond)

	f.server.Close()
	assert.Equal(t, 0, f.devices.events.Len())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed(nil, "http://any"))
	assert.True(t, originAllowed([]string{"http://ops"}, ""))
	assert.True(t, originAllowed([]string{"http://ops"}, "http://ops"))
	assert.True(t, originAllowed([]string{"*"}, "http://any"))
	assert.False(t, originAllowed([]string{"http://ops"}, "http://evil"))
}
