package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradieflow/internal/models"
	"tradieflow/internal/services"
)

// ReviewPublicHandler serves the review links customers receive by email. No login.
type ReviewPublicHandler struct {
	service *services.ReviewRequestService
}

func NewReviewPublicHandler(service *services.ReviewRequestService) *ReviewPublicHandler {
	return &ReviewPublicHandler{service: service}
}

// PublicReview is what a customer may see about their own request.
type PublicReview struct {
	Status       models.ReviewStatus `json:"status"`
	CustomerName string              `json:"customer_name"`
	RequestType  string              `json:"request_type"`
	ReviewURL    string              `json:"review_url,omitempty"`
	Rating       *int                `json:"rating,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

func toPublicReview(r *models.ReviewRequest) PublicReview {
	return PublicReview{
		Status:       r.Status,
		CustomerName: r.CustomerName,
		RequestType:  r.RequestType,
		ReviewURL:    r.ReviewURL,
		Rating:       r.ReviewRating,
		CompletedAt:  r.CompletedAt,
	}
}

// CompleteReviewRequest 提交评价
type CompleteReviewRequest struct {
	Rating  *int   `json:"rating"`
	Comment string `json:"comment" binding:"max=2000"`
}

// Open records the click and forwards the customer to the business's review
// page when one is configured.
func (h *ReviewPublicHandler) Open(c *gin.Context) {
	req, err := h.service.TrackClick(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err, "Failed to load review request")
		return
	}
	if req.ReviewURL != "" && c.Query("format") != "json" {
		c.Redirect(http.StatusFound, req.ReviewURL)
		return
	}
	c.JSON(http.StatusOK, toPublicReview(req))
}

// Complete 提交评价结果
func (h *ReviewPublicHandler) Complete(c *gin.Context) {
	// rating and comment are both optional, so an empty body is allowed
	var body CompleteReviewRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: err.Error()})
		return
	}

	req, err := h.service.Complete(c.Request.Context(), c.Param("token"), body.Rating, body.Comment)
	if err != nil {
		respondError(c, err, "Failed to complete review request")
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Thanks for your feedback!",
		Data:    toPublicReview(req),
	})
}

// RegisterReviewPublicRoutes 注册公共评价路由
func RegisterReviewPublicRoutes(r gin.IRoutes, handler *ReviewPublicHandler) {
	if r == nil || handler == nil {
		return
	}
	r.GET("/review/:token", handler.Open)
	r.POST("/review/:token/complete", handler.Complete)
}
