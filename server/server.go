package server

import (
	"fmt"
	"sort"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/metrics"
	"github.com/TFMV/classmesh/node"
	"github.com/TFMV/classmesh/transcode"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewApp builds the monitoring API for n
func NewApp(logger *zap.Logger, n *node.Node) *fiber.App {
	metrics.Register()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	// Define an endpoint to check the node status.
	app.Get("/status", func(c *fiber.Ctx) error {
		logger.Debug("Status request received")
		cfg := n.Config()
		return c.JSON(fiber.Map{
			"status":            "running",
			"device_id":         cfg.NodeID,
			"device_name":       cfg.NodeName,
			"role":              cfg.Role,
			"radio_enabled":     n.Radio().IsEnabled(),
			"discovering":       n.Discovery().IsDiscovering(),
			"serving":           n.Server().IsActive(),
			"connected_devices": len(n.Connections().ConnectedDevices()),
			"active_transfers":  len(n.Files().Engine().ActiveSessions()),
		})
	})

	app.Get("/devices", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"discovered": n.Discovery().DiscoveredDevices(),
			"connected":  n.Connections().ConnectedDevices(),
		})
	})

	app.Get("/transfers", func(c *fiber.Ctx) error {
		var transfers []common.TransferProgress
		for _, s := range n.Files().Engine().ListSessions() {
			transfers = append(transfers, s.Progress())
		}
		for _, s := range n.Files().Receiver().Downloads() {
			transfers = append(transfers, s.Progress())
		}
		sort.Slice(transfers, func(i, j int) bool {
			return transfers[i].Timestamp.Before(transfers[j].Timestamp)
		})
		return c.JSON(fiber.Map{"transfers": transfers})
	})

	app.Get("/jobs", func(c *fiber.Ctx) error {
		jobs := n.Files().Pipeline().Jobs()
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
		events := make([]transcode.JobEvent, 0, len(jobs))
		for _, j := range jobs {
			events = append(events, j.Snapshot())
		}
		return c.JSON(fiber.Map{"jobs": events})
	})

	app.Get("/jobs/:id", func(c *fiber.Ctx) error {
		job, ok := n.Files().Pipeline().Job(c.Params("id"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "job not found")
		}
		return c.JSON(job.Snapshot())
	})

	app.Get("/assets", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"assets": n.Files().Storage().ListAssets()})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app
}

// StartAPIServer starts the Fiber-based API server that exposes monitoring endpoints.
// It blocks until the server stops.
func StartAPIServer(logger *zap.Logger, n *node.Node) error {
	app := NewApp(logger, n)

	port := n.Config().APIPort
	if port == 0 {
		port = node.DefaultAPIPort
	}

	logger.Info("Starting ClassMesh API server", zap.Int("port", port))
	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}
