package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relay/internal/queue"
)

// ListQueues godoc
// @Summary      List queues
// @Description  Get depth and configuration for every queue
// @Tags         queues
// @Produce      json
// @Success      200  {array}  queue.Stats
// @Router       /queues [get]
func (h *Handler) ListQueues(c *gin.Context) {
	c.JSON(http.StatusOK, h.queues.ListQueues())
}

// GetQueue godoc
// @Summary      Get queue stats
// @Tags         queues
// @Produce      json
// @Param        queue  path      string  true  "Queue name"
// @Success      200    {object}  queue.Stats
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /queues/{queue} [get]
func (h *Handler) GetQueue(c *gin.Context) {
	stats, err := h.queues.Stats(c.Param("queue"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ReceiveMessages godoc
// @Summary      Receive messages
// @Description  Receive up to max_messages visible messages, long polling for up to wait_seconds
// @Tags         queues
// @Accept       json
// @Produce      json
// @Param        queue    path      string          true   "Queue name"
// @Param        request  body      ReceiveRequest  false  "Receive options"
// @Success      200      {array}   queue.Delivery
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /queues/{queue}/receive [post]
func (h *Handler) ReceiveMessages(c *gin.Context) {
	var req ReceiveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	deliveries, err := h.queues.Receive(c.Request.Context(), c.Param("queue"), queue.ReceiveOptions{
		MaxMessages: req.MaxMessages,
		WaitSeconds: req.WaitSeconds,
		ConsumerID:  req.ConsumerID,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if deliveries == nil {
		deliveries = []queue.Delivery{}
	}
	c.JSON(http.StatusOK, deliveries)
}

// AckMessage godoc
// @Summary      Acknowledge a message
// @Description  Delete a received message. Stale handles are accepted and ignored.
// @Tags         queues
// @Param        queue   path  string  true  "Queue name"
// @Param        handle  path  string  true  "Receipt handle"
// @Success      204     "No Content"
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      404     {object}  errors.ErrorResponse
// @Router       /queues/{queue}/messages/{handle} [delete]
func (h *Handler) AckMessage(c *gin.Context) {
	if err := h.queues.Ack(c.Request.Context(), c.Param("queue"), c.Param("handle")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ChangeVisibility godoc
// @Summary      Change message visibility
// @Description  Move the visibility deadline of a received message. Zero releases it immediately.
// @Tags         queues
// @Accept       json
// @Param        queue    path  string             true  "Queue name"
// @Param        handle   path  string             true  "Receipt handle"
// @Param        request  body  VisibilityRequest  true  "New visibility timeout"
// @Success      204      "No Content"
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /queues/{queue}/messages/{handle}/visibility [patch]
func (h *Handler) ChangeVisibility(c *gin.Context) {
	var req VisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	err := h.queues.ChangeVisibility(c.Request.Context(), c.Param("queue"), c.Param("handle"),
		*req.VisibilityTimeoutSeconds, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
