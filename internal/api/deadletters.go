package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay/pkg/errors"
)

// ListDeadLetters godoc
// @Summary      List dead letters
// @Description  Page through dead-lettered messages in the order they were dead-lettered
// @Tags         deadletters
// @Produce      json
// @Param        queue      query     string  false  "Source queue or DLQ name"
// @Param        pageToken  query     string  false  "Token from a previous page"
// @Param        pageSize   query     int     false  "Records per page"
// @Success      200        {object}  deadletter.Page
// @Failure      400        {object}  errors.ErrorResponse
// @Router       /deadletters [get]
func (h *Handler) ListDeadLetters(c *gin.Context) {
	pageSize := 0
	if raw := c.Query("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.HandleError(c, errors.ErrValidation.WithMessage(fmt.Sprintf("invalid pageSize %q", raw)))
			return
		}
		pageSize = n
	}

	page, err := h.deadLetters.List(c.Request.Context(), c.Query("queue"), c.Query("pageToken"), pageSize)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetDeadLetter godoc
// @Summary      Get a dead letter
// @Tags         deadletters
// @Produce      json
// @Param        id   path      string  true  "Dead letter ID"
// @Success      200  {object}  deadletter.Record
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /deadletters/{id} [get]
func (h *Handler) GetDeadLetter(c *gin.Context) {
	record, err := h.deadLetters.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// RedriveDeadLetter godoc
// @Summary      Redrive a dead letter
// @Description  Enqueue the original event again with a fresh receive count. Defaults to the queue it failed on.
// @Tags         deadletters
// @Accept       json
// @Produce      json
// @Param        id       path      string          true   "Dead letter ID"
// @Param        request  body      RedriveRequest  false  "Target queue"
// @Success      200      {object}  deadletter.RedriveResult
// @Failure      404      {object}  errors.ErrorResponse
// @Failure      503      {object}  errors.ErrorResponse
// @Router       /deadletters/{id}/redrive [post]
func (h *Handler) RedriveDeadLetter(c *gin.Context) {
	var req RedriveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	result, err := h.deadLetters.Redrive(c.Request.Context(), c.Param("id"), req.TargetQueue)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
