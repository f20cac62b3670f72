package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/config"
	"github.com/berfenger/powershades2mqtt/internal/core/port"

	"github.com/asynkron/protoactor-go/actor"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
)

type Server struct {
	port        uint
	httpLog     bool
	rootContext *actor.RootContext
	masterActor *actor.PID
	controller  port.ShadeController
	logger      *zap.Logger
}

func NewServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID,
	controller port.ShadeController, logger *zap.Logger) *http.Server {
	NewServer := newServer(cfg, rootContext, masterActor, controller, logger)

	// Declare Server config
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", NewServer.port),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return server
}

func newServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID,
	controller port.ShadeController, logger *zap.Logger) *Server {
	return &Server{
		port:        cfg.Port,
		rootContext: rootContext,
		masterActor: masterActor,
		httpLog:     cfg.HttpLog,
		controller:  controller,
		logger:      logger.With(zap.String("component", "http")),
	}
}
