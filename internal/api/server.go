// Package api serves a small diagnostics endpoint over the bus exchange.
package api

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/librescoot/cleaning-service/internal/bus"
)

// SafetyView is the safety part of the snapshot.
type SafetyView struct {
	Status uint32 `json:"status"`
	State  string `json:"state"`
	Faults string `json:"faults"`
	Check  string `json:"check,omitempty"`
}

// Server is the diagnostics HTTP server
type Server struct {
	app    *fiber.App
	addr   string
	ex     *bus.Exchange
	cmd    bus.Commander
	logger *log.Logger
}

// NewServer creates the server and registers its routes
func NewServer(addr string, ex *bus.Exchange, cmd bus.Commander, logger *log.Logger) *Server {
	s := &Server{
		addr:   addr,
		ex:     ex,
		cmd:    cmd,
		logger: logger,
	}

	app := fiber.New(fiber.Config{
		AppName:               "cleaning-service",
		DisableStartupMessage: true,
	})

	app.Get("/status", s.handleStatus)
	app.Get("/devices", s.handleDevices)
	app.Get("/devices/:name", s.handleDevice)
	app.Get("/safety", s.handleSafety)
	app.Post("/requests/:command", s.handleRequest)
	app.Post("/safety/requests/:command", s.handleSafetyRequest)

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App { return s.app }

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Printf("Diagnostics endpoint listening on %s", s.addr)
	return s.app.Listen(s.addr)
}

// StartAsync starts the server in a goroutine
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Printf("Diagnostics endpoint error: %v", err)
		}
	}()
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ex.Snapshot.Read())
}

func (s *Server) handleDevices(c *fiber.Ctx) error {
	devices := s.ex.Snapshot.Read().Devices
	if devices == nil {
		devices = []bus.DeviceSnapshot{}
	}
	return c.JSON(devices)
}

func (s *Server) handleDevice(c *fiber.Ctx) error {
	name := c.Params("name")
	d, ok := s.ex.Snapshot.Read().Device(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown device " + name,
		})
	}
	return c.JSON(d)
}

func (s *Server) handleSafety(c *fiber.Ctx) error {
	snap := s.ex.Snapshot.Read()
	return c.JSON(SafetyView{
		Status: snap.SafetyStatus,
		State:  snap.SafetyState,
		Faults: snap.SafetyFaults,
		Check:  snap.SafetyCheck,
	})
}

// command builds the request text from the path and an optional select
// query, so both /requests/start-device:brush and
// /requests/start-device?select=brush work.
func command(c *fiber.Ctx) string {
	cmd := c.Params("command")
	if sel := c.Query("select"); sel != "" {
		cmd += ":" + sel
	}
	return cmd
}

func (s *Server) handleRequest(c *fiber.Ctx) error {
	return s.execute(c, command(c), s.cmd.Command)
}

func (s *Server) handleSafetyRequest(c *fiber.Ctx) error {
	return s.execute(c, command(c), s.cmd.SafetyCommand)
}

func (s *Server) execute(c *fiber.Ctx, cmd string, run func(string) error) error {
	if err := run(cmd); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	s.logger.Printf("HTTP request: %s", cmd)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"request": cmd,
	})
}
