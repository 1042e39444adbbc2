package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relay/internal/config"
	"relay/internal/fanout"
	"relay/pkg/errors"
)

// ListTopics godoc
// @Summary      List topics
// @Description  Get every topic with its current subscribers
// @Tags         topics
// @Produce      json
// @Success      200  {array}  fanout.TopicInfo
// @Router       /topics [get]
func (h *Handler) ListTopics(c *gin.Context) {
	topics := h.topics.Topics()
	if topics == nil {
		topics = []fanout.TopicInfo{}
	}
	c.JSON(http.StatusOK, topics)
}

// Subscribe godoc
// @Summary      Add a subscriber
// @Description  Subscribe a webhook, Kafka topic or queue to a topic. Takes effect on the next publish.
// @Tags         topics
// @Accept       json
// @Produce      json
// @Param        topic       path      string            true  "Topic name"
// @Param        subscriber  body      SubscribeRequest  true  "Subscriber definition"
// @Success      201         {object}  fanout.SubscriberInfo
// @Failure      400         {object}  errors.ErrorResponse
// @Failure      404         {object}  errors.ErrorResponse
// @Failure      409         {object}  errors.ErrorResponse
// @Router       /topics/{topic}/subscriptions [post]
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if h.subscribers == nil {
		h.HandleError(c, errors.ErrServiceUnavailable.WithMessage("dynamic subscriptions are not enabled"))
		return
	}

	sub, err := h.subscribers.Build(config.SubscriberConfig{
		ID:             req.ID,
		Kind:           req.Kind,
		URL:            req.URL,
		Headers:        req.Headers,
		KafkaTopic:     req.KafkaTopic,
		Queue:          req.Queue,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.topics.Subscribe(c.Param("topic"), sub); err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fanout.Describe(sub))
}

// Unsubscribe godoc
// @Summary      Remove a subscriber
// @Tags         topics
// @Param        topic  path  string  true  "Topic name"
// @Param        id     path  string  true  "Subscriber ID"
// @Success      204    "No Content"
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /topics/{topic}/subscriptions/{id} [delete]
func (h *Handler) Unsubscribe(c *gin.Context) {
	if err := h.topics.Unsubscribe(c.Param("topic"), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
