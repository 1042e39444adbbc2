package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"relay/internal/bus"
	"relay/internal/config"
	"relay/internal/deadletter"
	"relay/internal/fanout"
	"relay/internal/logger"
	"relay/internal/queue"
	"relay/internal/schema"
	"relay/pkg/errors"
	"relay/pkg/health"
	"relay/pkg/models"
)

type EventService interface {
	Accept(ctx context.Context, raw models.RawEvent) (bus.AcceptResult, error)
}

type QueueService interface {
	Receive(ctx context.Context, name string, opts queue.ReceiveOptions) ([]queue.Delivery, error)
	Ack(ctx context.Context, name, handle string) error
	ChangeVisibility(ctx context.Context, name, handle string, seconds int, reason string) error
	Stats(name string) (queue.Stats, error)
	ListQueues() []queue.Stats
}

type SchemaService interface {
	Register(ctx context.Context, name string, version int, body []byte) (schema.RegistrationResult, error)
	Get(name string, version int) (schema.Schema, error)
	Versions(name string) ([]int, error)
	List() []schema.Schema
}

type DeadLetterService interface {
	List(ctx context.Context, queueName, pageToken string, pageSize int) (deadletter.Page, error)
	Get(ctx context.Context, id string) (deadletter.Record, error)
	Redrive(ctx context.Context, id, targetQueue string) (deadletter.RedriveResult, error)
}

type TopicService interface {
	Topics() []fanout.TopicInfo
	Subscribe(topic string, sub fanout.Subscriber) error
	Unsubscribe(topic, id string) error
}

// SubscriberBuilder turns a subscription request into a live subscriber.
type SubscriberBuilder interface {
	Build(sc config.SubscriberConfig) (fanout.Subscriber, error)
}

type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.DebugwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}

	c.JSON(status, errors.ToErrorResponse(err))
}

func (h *BaseHandler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithMessage(err.Error()).WithCause(err)))
}

type Handler struct {
	BaseHandler
	events      EventService
	queues      QueueService
	schemas     SchemaService
	deadLetters DeadLetterService
	topics      TopicService
	subscribers SubscriberBuilder
}

type Deps struct {
	Events      EventService
	Queues      QueueService
	Schemas     SchemaService
	DeadLetters DeadLetterService
	Topics      TopicService
	Subscribers SubscriberBuilder
}

func NewHandler(deps Deps, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		events:      deps.Events,
		queues:      deps.Queues,
		schemas:     deps.Schemas,
		deadLetters: deps.DeadLetters,
		topics:      deps.Topics,
		subscribers: deps.Subscribers,
	}
}

// RegisterRoutes mounts the API under /api/v1. ingest wraps POST /events,
// typically with a rate limiter; it may be nil.
func (h *Handler) RegisterRoutes(router *gin.Engine, ingest ...gin.HandlerFunc) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/events", append(ingest, h.PublishEvent)...)

		queues := v1.Group("/queues")
		{
			queues.GET("", h.ListQueues)
			queues.GET("/:queue", h.GetQueue)
			queues.POST("/:queue/receive", h.ReceiveMessages)
			queues.DELETE("/:queue/messages/:handle", h.AckMessage)
			queues.PATCH("/:queue/messages/:handle/visibility", h.ChangeVisibility)
		}

		schemas := v1.Group("/schemas")
		{
			schemas.GET("", h.ListSchemas)
			schemas.POST("", h.RegisterSchema)
			schemas.GET("/:name/versions", h.ListSchemaVersions)
			schemas.GET("/:name/versions/:version", h.GetSchema)
		}

		deadLetters := v1.Group("/deadletters")
		{
			deadLetters.GET("", h.ListDeadLetters)
			deadLetters.GET("/:id", h.GetDeadLetter)
			deadLetters.POST("/:id/redrive", h.RedriveDeadLetter)
		}

		topics := v1.Group("/topics")
		{
			topics.GET("", h.ListTopics)
			topics.POST("/:topic/subscriptions", h.Subscribe)
			topics.DELETE("/:topic/subscriptions/:id", h.Unsubscribe)
		}
	}
}

// RegisterSystemRoutes mounts /health, /metrics and the swagger UI.
func RegisterSystemRoutes(router *gin.Engine, checks *health.CheckerRegistry) {
	router.GET("/health", func(c *gin.Context) {
		h := checks.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}
