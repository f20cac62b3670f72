package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	coreactor "github.com/berfenger/powershades2mqtt/internal/core/actor"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/core/port"
	"github.com/berfenger/powershades2mqtt/internal/util"
	"github.com/berfenger/powershades2mqtt/internal/util/actorutil"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	livingRoom = domain.Shade{Id: "living_room", Name: "Living Room", Address: domain.NewDeviceAddress("10.0.0.1", 0, 0)}
	bedroom    = domain.Shade{Id: "bedroom", Name: "Bedroom", Address: domain.NewDeviceAddress("10.0.0.2", 0, 0)}
)

func newTestServer(t *testing.T, controller *port.TestShadeController) http.Handler {
	cfg := util.LoadTestConfig()
	logger := zap.NewNop()

	as := actorutil.NewActorSystemWithZapLogger(logger)
	root := as.Root
	props := actor.PropsFromProducer(func() actor.Actor {
		return coreactor.NewMasterOfPuppetsActor(cfg, controller, &eventstream.EventStream{}, nil, logger)
	})
	pid, err := root.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	require.NoError(t, err)
	t.Cleanup(func() {
		root.Stop(pid)
		as.Shutdown()
	})

	return newServer(cfg, root, pid, controller, logger).RegisterRoutes()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	h := newTestServer(t, port.NewTestShadeController(livingRoom, bedroom))

	rec := do(t, h, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "health_check: OK", rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.ActorHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Healthy)
	assert.Len(t, resp.Components, 2)
}

func TestHealthCheckFailing(t *testing.T) {
	controller := port.NewTestShadeController(livingRoom)
	controller.SnapshotFn = func(addr domain.DeviceAddress) (domain.Snapshot, error) {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, addr)
	}
	h := newTestServer(t, controller)

	rec := do(t, h, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "health_check: FAIL", rec.Body.String())
}

func TestDevices(t *testing.T) {
	h := newTestServer(t, port.NewTestShadeController(livingRoom, bedroom))

	rec := do(t, h, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []domain.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "bedroom", snaps[0].Id)
	assert.Equal(t, "living_room", snaps[1].Id)

	rec = do(t, h, http.MethodGet, "/api/devices/living_room", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, livingRoom.Address, snap.Address)
	assert.Equal(t, domain.SessionIdle, snap.State)

	rec = do(t, h, http.MethodGet, "/api/devices/kitchen", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteCommand(t *testing.T) {
	controller := port.NewTestShadeController(livingRoom)
	h := newTestServer(t, controller)

	rec := do(t, h, http.MethodPost, "/api/devices/living_room/commands", `{"kind":"set_position","position":40,"ref":"r1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var outcome domain.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, domain.OutcomeSuccess, outcome.Status)
	assert.Equal(t, "r1", outcome.Ref)

	executed := controller.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, livingRoom.Address, executed[0].Address)
	assert.Equal(t, domain.CommandSetPosition, executed[0].Command.Kind)
	require.NotNil(t, executed[0].Command.Position)
	assert.Equal(t, 40, *executed[0].Command.Position)
}

func TestExecuteCommandErrors(t *testing.T) {
	controller := port.NewTestShadeController(livingRoom)
	controller.ExecuteFn = func(addr domain.DeviceAddress, cmd domain.Command) (domain.Outcome, error) {
		if cmd.Kind == domain.CommandOpen {
			return domain.Outcome{Address: addr, Kind: cmd.Kind, Status: domain.OutcomeBusy}, domain.ErrBusy
		}
		return domain.Outcome{Address: addr, Kind: cmd.Kind, Status: domain.OutcomeTimeout}, powershades.ErrTimeout
	}
	h := newTestServer(t, controller)

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"unknown device", "/api/devices/kitchen/commands", `{"kind":"open"}`, http.StatusNotFound},
		{"unknown kind", "/api/devices/living_room/commands", `{"kind":"fly"}`, http.StatusBadRequest},
		{"out of range", "/api/devices/living_room/commands", `{"kind":"set_position","position":140}`, http.StatusBadRequest},
		{"malformed body", "/api/devices/living_room/commands", `{"kind":`, http.StatusBadRequest},
		{"busy", "/api/devices/living_room/commands", `{"kind":"open"}`, http.StatusConflict},
		{"timeout", "/api/devices/living_room/commands", `{"kind":"close"}`, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	// only busy and timeout reached the controller
	assert.Len(t, controller.Executed(), 2)
}

func TestCancel(t *testing.T) {
	h := newTestServer(t, port.NewTestShadeController(livingRoom))

	rec := do(t, h, http.MethodPost, "/api/devices/living_room/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"device_id":"living_room","cancelled":false}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/devices/kitchen/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroupCommand(t *testing.T) {
	controller := port.NewTestShadeController(livingRoom, bedroom)
	h := newTestServer(t, controller)

	rec := do(t, h, http.MethodPost, "/api/groups/commands", `{"targets":["living_room","bedroom"],"command":{"kind":"close"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var results []groupMemberResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "living_room", results[0].DeviceId)
	assert.Equal(t, "bedroom", results[1].DeviceId)
	for _, r := range results {
		assert.Equal(t, domain.OutcomeSuccess, r.Outcome.Status)
	}
	executed := controller.Executed()
	require.Len(t, executed, 2)
	assert.Equal(t, executed[0].Command.Ref, executed[1].Command.Ref)

	rec = do(t, h, http.MethodPost, "/api/groups/commands", `{"targets":["living_room","kitchen"],"command":{"kind":"close"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/groups/commands", `{"targets":[],"command":{"kind":"close"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, controller.Executed(), 2)
}

func TestDiscovery(t *testing.T) {
	controller := port.NewTestShadeController()
	controller.Found = []powershades.Controller{
		{IP: net.ParseIP("10.0.0.7"), Port: powershades.Port, Name: "Patio", Serial: powershades.SerialInfo{Model: 3, Serial: 1234}},
	}
	h := newTestServer(t, controller)

	rec := do(t, h, http.MethodPost, "/api/discovery", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var found []discoveredController
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "10.0.0.7", found[0].IP)
	assert.Equal(t, "Patio", found[0].Name)
	assert.Empty(t, controller.ListDevices())

	rec = do(t, h, http.MethodPost, "/api/discovery?register=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, controller.ListDevices(), 1)
}

func TestEventsWebsocket(t *testing.T) {
	controller := port.NewTestShadeController(livingRoom)
	srv := httptest.NewServer(newTestServer(t, controller))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	// the subscription is registered right after the upgrade
	require.Eventually(t, func() bool { return controller.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	controller.Publish(domain.ConnectivityChangedEvent{
		ShadeEventMixIn: domain.ShadeEventMixIn{DeviceId: livingRoom.Id, Address: livingRoom.Address},
		From:            domain.ConnectivityUnknown,
		To:              domain.ConnectivityConnected,
	})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Type     string          `json:"type"`
		DeviceId string          `json:"device_id"`
		Event    json.RawMessage `json:"event"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "connectivity_changed", msg.Type)
	assert.Equal(t, livingRoom.Id, msg.DeviceId)
	assert.Contains(t, string(msg.Event), `"to":"connected"`)

	ws.Close()
	assert.Eventually(t, func() bool { return controller.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, port.NewTestShadeController())
	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, httpStatus(nil))
	assert.Equal(t, http.StatusBadRequest, httpStatus(domain.ErrUnknownPreset))
	assert.Equal(t, http.StatusNotFound, httpStatus(fmt.Errorf("%w: x", domain.ErrUnknownDevice)))
	assert.Equal(t, http.StatusBadGateway, httpStatus(domain.NackError{Code: 4}))
	assert.Equal(t, http.StatusConflict, httpStatus(domain.ErrSuperseded))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(powershades.ErrAddressUnreachable))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(powershades.ErrSocket))
}
