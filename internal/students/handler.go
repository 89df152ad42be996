package students

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.POST("/students", h.Register)
	r.GET("/students/:student_id", h.Get)
	r.PUT("/students/:student_id/password", h.ChangeSecret)
}

type RegisterStudentRequest struct {
	StudentID string `json:"student_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Secret    string `json:"secret" binding:"required"`
}

type ChangeSecretRequest struct {
	NewSecret string `json:"new_secret" binding:"required"`
}

type StudentResponse struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
}

func (h *Handler) Register(c *gin.Context) {
	var req RegisterStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json or missing required fields"})
		return
	}

	res, err := h.svc.Register(c.Request.Context(), req)
	if err != nil {
		c.JSON(toHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c *gin.Context) {
	res, err := h.svc.Get(c.Request.Context(), c.Param("student_id"))
	if err != nil {
		c.JSON(toHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ChangeSecret(c *gin.Context) {
	var req ChangeSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json or missing required fields"})
		return
	}

	if err := h.svc.ChangeSecret(c.Request.Context(), c.Param("student_id"), req); err != nil {
		c.JSON(toHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "secret changed"})
}
