package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	healthCheckTimeout = 10 * time.Second
	commandTimeout     = 20 * time.Second
	snapshotTimeout    = 2 * time.Second
	discoveryTimeout   = 10 * time.Second
)

type commandRequest struct {
	Kind     string `json:"kind"`
	Position *int   `json:"position,omitempty"`
	Preset   string `json:"preset,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

type groupCommandRequest struct {
	Targets []string       `json:"targets"`
	Command commandRequest `json:"command"`
}

type groupMemberResult struct {
	DeviceId string         `json:"device_id"`
	Outcome  domain.Outcome `json:"outcome"`
}

type cancelResponse struct {
	DeviceId  string `json:"device_id"`
	Cancelled bool   `json:"cancelled"`
}

type discoveredController struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Name   string `json:"name,omitempty"`
	Model  uint8  `json:"model"`
	Serial uint64 `json:"serial"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/devices", s.ListDevicesHandler)
	api.GET("/devices/:id", s.GetDeviceHandler)
	api.POST("/devices/:id/commands", s.ExecuteCommandHandler)
	api.POST("/devices/:id/cancel", s.CancelHandler)
	api.POST("/groups/commands", s.GroupCommandHandler)
	api.POST("/discovery", s.DiscoveryHandler)
	api.GET("/events", s.EventsHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, healthCheckTimeout).Result()
	response, ok := res.(domain.ActorHealthResponse)
	healthy := err == nil && ok && response.Healthy
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON) {
		if !ok {
			response = domain.ActorHealthResponse{Id: domain.ACTOR_ID_MASTER}
		}
		return c.JSON(status, response)
	}
	if healthy {
		return c.String(status, "health_check: OK")
	}
	return c.String(status, "health_check: FAIL")
}

func (s *Server) ListDevicesHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), snapshotTimeout)
	defer cancel()
	shades := s.controller.ListDevices()
	snapshots := make([]domain.Snapshot, 0, len(shades))
	for _, shade := range shades {
		snap, err := s.controller.Snapshot(ctx, shade.Address)
		if err != nil {
			s.logger.Warn("snapshot failed", zap.String("device", shade.Id), zap.Error(err))
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return c.JSON(http.StatusOK, snapshots)
}

func (s *Server) GetDeviceHandler(c echo.Context) error {
	shade, ok := s.controller.Lookup(c.Param("id"))
	if !ok {
		return errorJSON(c, domain.ErrUnknownDevice)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), snapshotTimeout)
	defer cancel()
	snap, err := s.controller.Snapshot(ctx, shade.Address)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) ExecuteCommandHandler(c echo.Context) error {
	shade, ok := s.controller.Lookup(c.Param("id"))
	if !ok {
		return errorJSON(c, domain.ErrUnknownDevice)
	}
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	cmd, err := req.toCommand()
	if err != nil {
		return errorJSON(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), commandTimeout)
	defer cancel()
	outcome, err := s.controller.Execute(ctx, shade.Address, cmd)
	if err != nil {
		s.logger.Info("command failed", zap.String("device", shade.Id), zap.String("kind", string(cmd.Kind)), zap.Error(err))
		return c.JSON(httpStatus(err), outcome)
	}
	return c.JSON(http.StatusOK, outcome)
}

func (s *Server) CancelHandler(c echo.Context) error {
	shade, ok := s.controller.Lookup(c.Param("id"))
	if !ok {
		return errorJSON(c, domain.ErrUnknownDevice)
	}
	cancelled, err := s.controller.Cancel(c.Request().Context(), shade.Address)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, cancelResponse{DeviceId: shade.Id, Cancelled: cancelled})
}

func (s *Server) GroupCommandHandler(c echo.Context) error {
	var req groupCommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if len(req.Targets) == 0 {
		return errorJSON(c, domain.ErrValidation)
	}
	ids := make(map[domain.DeviceAddress]string, len(req.Targets))
	addrs := make([]domain.DeviceAddress, 0, len(req.Targets))
	for _, id := range req.Targets {
		shade, ok := s.controller.Lookup(id)
		if !ok {
			return errorJSON(c, domain.ErrUnknownDevice)
		}
		ids[shade.Address] = shade.Id
		addrs = append(addrs, shade.Address)
	}
	cmd, err := req.Command.toCommand()
	if err != nil {
		return errorJSON(c, err)
	}
	if cmd.Kind == domain.CommandGroup {
		return errorJSON(c, domain.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), commandTimeout)
	defer cancel()
	results := s.controller.ExecuteGroup(ctx, addrs, cmd.EnsureRef())

	out := make([]groupMemberResult, 0, len(addrs))
	for _, addr := range addrs {
		r, ok := results[addr]
		if !ok {
			continue
		}
		out = append(out, groupMemberResult{DeviceId: ids[addr], Outcome: r.Outcome})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) DiscoveryHandler(c echo.Context) error {
	register, _ := strconv.ParseBool(c.QueryParam("register"))
	ctx, cancel := context.WithTimeout(c.Request().Context(), discoveryTimeout)
	defer cancel()
	found, err := s.controller.Discover(ctx, register)
	if err != nil {
		return errorJSON(c, err)
	}
	out := make([]discoveredController, 0, len(found))
	for _, f := range found {
		out = append(out, toDiscovered(f))
	}
	return c.JSON(http.StatusOK, out)
}

func (r commandRequest) toCommand() (domain.Command, error) {
	kind, err := domain.ParseCommandKind(strings.ToLower(r.Kind))
	if err != nil {
		return domain.Command{}, err
	}
	return domain.Command{
		Kind:     kind,
		Position: r.Position,
		Preset:   r.Preset,
		Ref:      r.Ref,
	}, nil
}

func toDiscovered(f powershades.Controller) discoveredController {
	d := discoveredController{Port: f.Port, Name: f.Name, Model: f.Serial.Model, Serial: f.Serial.Serial}
	if f.IP != nil {
		d.IP = f.IP.String()
	}
	return d
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), errorResponse{Error: err.Error()})
}

// httpStatus maps command and lookup errors to a response code.
func httpStatus(err error) int {
	var nack domain.NackError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrSuperseded):
		return http.StatusConflict
	case errors.As(err, &nack):
		return http.StatusBadGateway
	case errors.Is(err, powershades.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, powershades.ErrAddressUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, powershades.ErrCancelled),
		errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
