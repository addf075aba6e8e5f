package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/campaign-engine/internal/handler"
	"github.com/kursadbilgin/campaign-engine/internal/transport"
)

// NewHTTPServer builds the fiber app with every route mounted.
func NewHTTPServer(c *Container) (*fiber.App, error) {
	server := fiber.New(fiber.Config{
		AppName:               "campaign-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(c.Logger),
	})

	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(handler.Correlation())
	server.Use(c.Metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(server, c.SQLDB, c.Redis, c.Broker, c.Metrics.Handler())
	if err := handler.RegisterInternalRoutes(server, c.Config.InternalSecret, c.Worker, c.Orchestrator, TickWorkerID()); err != nil {
		return nil, err
	}
	if err := handler.RegisterRunRoutes(server, c.RunService); err != nil {
		return nil, err
	}

	return server, nil
}
