// Package api serves the read-only operator surface: journal, accounts and
// task state. Nothing here mutates trading state.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"quantflow/internal/account"
	"quantflow/internal/events"
	"quantflow/internal/trade"
)

// Server bundles the gin engine with its dependencies.
type Server struct {
	engine   *gin.Engine
	bus      *events.Bus
	registry *account.Registry
	executor *trade.Executor
	log      *zap.Logger
}

// New wires the routes. secret guards /api/v1; an empty secret leaves only
// the health probe exposed.
func New(bus *events.Bus, registry *account.Registry, executor *trade.Executor, secret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		bus:      bus,
		registry: registry,
		executor: executor,
		log:      log.Named("api"),
	}

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if secret != "" {
		v1 := engine.Group("/api/v1", authMiddleware(secret))
		v1.GET("/events/recent", s.recentEvents)
		v1.GET("/accounts", s.accounts)
		v1.GET("/tasks", s.tasks)
		v1.GET("/tasks/:user/:symbol", s.task)
	}
	return s
}

// Run blocks serving HTTP on the given port.
func (s *Server) Run(port string) error {
	s.log.Info("admin api listening", zap.String("port", port))
	return s.engine.Run(":" + port)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) recentEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	evts, err := s.bus.QueryRecent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
}

func (s *Server) accounts(c *gin.Context) {
	type row struct {
		UserID   string `json:"user_id"`
		Name     string `json:"name"`
		Strategy string `json:"strategy"`
		Testnet  bool   `json:"testnet"`
		Enabled  bool   `json:"enabled"`
	}
	var rows []row
	for _, id := range s.registry.UserIDs() {
		if a, ok := s.registry.Get(id); ok {
			rows = append(rows, row{
				UserID:   a.UserID,
				Name:     a.Name,
				Strategy: a.StrategyName,
				Testnet:  a.Testnet,
				Enabled:  a.Enabled,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": rows, "failed": s.registry.FailedAccounts()})
}

func (s *Server) tasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.executor.Snapshots()})
}

func (s *Server) task(c *gin.Context) {
	t := s.executor.Task(c.Param("user"), c.Param("symbol"))
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t.Snapshot())
}
