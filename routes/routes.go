package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "outreach/controllers"
	"outreach/middleware"
	"outreach/queue"
	"outreach/store"
	"outreach/transport"
	"outreach/worker"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Store       *store.Store
	Queue       *queue.RedisQueue
	Sequencer   *worker.Sequencer
	Engagement  *worker.Engagement
	Hub         *worker.Hub
	Transports  transport.Factory
	APISecret   []byte
	RateLimit   int
	RateStorage fiber.Storage
	AccessLog   bool
	Log         logrus.FieldLogger
}

// SetupTrackingRoutes registers the public links embedded in sent mail.
func SetupTrackingRoutes(app *fiber.App, d Deps) {
	tracking := controller.NewTrackingController(d.Engagement, d.Log)

	app.Get("/track/open/:id", tracking.HandleOpen)
	app.Get("/track/click/:id", tracking.HandleClick)

	unsubscribe := app.Group("/unsubscribe", middleware.APIRateLimiter(d.RateLimit, d.RateStorage))
	unsubscribe.Get("/:token", tracking.HandleUnsubscribe)
	unsubscribe.Post("/:token", tracking.HandleUnsubscribe)
}

// SetupAPIRoutes registers the operator API.
func SetupAPIRoutes(app *fiber.App, d Deps) {
	campaignController := controller.NewCampaignController(d.Store, d.Sequencer, d.Log)
	prospectController := controller.NewProspectController(d.Sequencer)
	accountController := controller.NewAccountController(d.Store, d.Transports)
	eventController := controller.NewEventController(d.Engagement, d.Hub, d.Log)
	queueController := controller.NewQueueController(d.Queue)

	handlers := []fiber.Handler{
		middleware.Protected(d.APISecret),
		middleware.APIRateLimiter(d.RateLimit, d.RateStorage),
	}
	if d.AccessLog {
		handlers = append(handlers, logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	api := app.Group("/api/v1", handlers...)

	campaign := api.Group("/campaigns")
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Get("/:id/stats", campaignController.GetCampaignStats)
	campaign.Post("/:id/activate", campaignController.ActivateCampaign)
	campaign.Post("/:id/pause", campaignController.PauseCampaign)
	campaign.Post("/:id/prospects", campaignController.EnrollProspects)

	prospect := api.Group("/prospects")
	prospect.Post("/:id/reopen", prospectController.ReopenProspect)
	prospect.Post("/:id/outcome", prospectController.SetOutcome)

	account := api.Group("/accounts")
	account.Get("/:id", accountController.GetAccount)
	account.Post("/:id/test", accountController.TestConnection)

	api.Post("/events/:id/complaint", eventController.ReportComplaint)

	api.Get("/queue/stats", queueController.GetStats)
	api.Get("/queue/dead", queueController.GetDeadJobs)

	ws := app.Group("/ws", middleware.Protected(d.APISecret), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	ws.Get("/campaigns/:id/events", websocket.New(eventController.StreamCampaignEvents))
}

func SetupRoutes(app *fiber.App, d Deps) {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "running"})
	})

	SetupTrackingRoutes(app, d)
	SetupAPIRoutes(app, d)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
