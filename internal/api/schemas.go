package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relay/internal/schema"
)

// ListSchemas godoc
// @Summary      List schemas
// @Description  Get the latest version of every registered schema
// @Tags         schemas
// @Produce      json
// @Success      200  {array}  schema.Schema
// @Router       /schemas [get]
func (h *Handler) ListSchemas(c *gin.Context) {
	schemas := h.schemas.List()
	if schemas == nil {
		schemas = []schema.Schema{}
	}
	c.JSON(http.StatusOK, schemas)
}

// RegisterSchema godoc
// @Summary      Register a schema version
// @Description  Register a JSON Schema under a name and version. Re-registering an identical body is a no-op.
// @Tags         schemas
// @Accept       json
// @Produce      json
// @Param        schema  body      RegisterSchemaRequest  true  "Schema definition"
// @Success      201     {object}  schema.RegistrationResult
// @Success      200     {object}  schema.RegistrationResult
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      409     {object}  errors.ErrorResponse
// @Router       /schemas [post]
func (h *Handler) RegisterSchema(c *gin.Context) {
	var req RegisterSchemaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	result, err := h.schemas.Register(c.Request.Context(), req.Name, req.Version, req.Body)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// ListSchemaVersions godoc
// @Summary      List schema versions
// @Tags         schemas
// @Produce      json
// @Param        name  path      string  true  "Schema name"
// @Success      200   {array}   int
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /schemas/{name}/versions [get]
func (h *Handler) ListSchemaVersions(c *gin.Context) {
	versions, err := h.schemas.Versions(c.Param("name"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

// GetSchema godoc
// @Summary      Get a schema version
// @Tags         schemas
// @Produce      json
// @Param        name     path      string  true  "Schema name"
// @Param        version  path      string  true  "Version number or latest"
// @Success      200      {object}  schema.Schema
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /schemas/{name}/versions/{version} [get]
func (h *Handler) GetSchema(c *gin.Context) {
	version, err := schema.ParseVersion(c.Param("version"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	s, err := h.schemas.Get(c.Param("name"), version)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}
