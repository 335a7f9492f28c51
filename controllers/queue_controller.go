package controller

import (
	"github.com/gofiber/fiber/v2"

	"outreach/queue"
)

type QueueController struct {
	Queue *queue.RedisQueue
}

func NewQueueController(q *queue.RedisQueue) *QueueController {
	return &QueueController{Queue: q}
}

func (qc *QueueController) GetStats(c *fiber.Ctx) error {
	stats, err := qc.Queue.Stats(c.UserContext())
	if err != nil {
		return respondError(c, "queue_stats", err)
	}
	return c.JSON(success(stats))
}

// GetDeadJobs lists the most recent jobs that were given up on.
func (qc *QueueController) GetDeadJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		return errorResponse(c, fiber.StatusBadRequest, "limit must be between 1 and 500", nil)
	}
	jobs, err := qc.Queue.DeadJobs(c.UserContext(), int64(limit))
	if err != nil {
		return respondError(c, "dead_jobs", err)
	}
	return c.JSON(success(jobs))
}
