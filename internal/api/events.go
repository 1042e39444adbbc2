package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relay/pkg/models"
)

// PublishEvent godoc
// @Summary      Publish an event
// @Description  Validate an event against its schema and route it to every matching target
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        event  body      models.RawEvent  true  "Event envelope"
// @Success      202    {object}  AcceptResponse
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      422    {object}  errors.ErrorResponse
// @Failure      429    {object}  errors.ErrorResponse
// @Router       /events [post]
func (h *Handler) PublishEvent(c *gin.Context) {
	var raw models.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		h.badRequest(c, err)
		return
	}

	result, err := h.events.Accept(c.Request.Context(), raw)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, AcceptResponse{
		EventID:       result.EventID,
		CorrelationID: result.CorrelationID,
		MatchedRules:  result.MatchedRuleIDs,
		Deliveries:    result.Deliveries,
	})
}
