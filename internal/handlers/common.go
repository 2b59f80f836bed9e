package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tradieflow/internal/services"
)

const maxPageSize = 100

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func newPaginatedResponse(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages,
	}
}

// normalizePage clamps paging input to what the services apply.
func normalizePage(page, pageSize *int) {
	if *page < 1 {
		*page = 1
	}
	if *pageSize <= 0 {
		*pageSize = 20
	}
	if *pageSize > maxPageSize {
		*pageSize = maxPageSize
	}
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: "id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

// respondError maps service errors onto HTTP statuses; title is the summary
// used for unexpected failures.
func respondError(c *gin.Context, err error, title string) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Message: verr.Error()})
	case errors.Is(err, services.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation rule not found", Message: err.Error()})
	case errors.Is(err, services.ErrReviewNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Review request not found", Message: err.Error()})
	case errors.Is(err, services.ErrReviewAlreadyCompleted):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Review already completed", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: title, Message: err.Error()})
	}
}
