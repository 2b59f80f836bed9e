package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradieflow/internal/middleware"
	"tradieflow/internal/models"
	"tradieflow/internal/services"
)

// AutomationHandler 管理自动化规则、执行记录和触发入口
type AutomationHandler struct {
	service *services.AutomationService
	reviews *services.ReviewRequestService
}

func NewAutomationHandler(service *services.AutomationService, reviews *services.ReviewRequestService) *AutomationHandler {
	return &AutomationHandler{service: service, reviews: reviews}
}

// TriggerRequest 触发事件请求
type TriggerRequest struct {
	TriggerType models.TriggerType    `json:"trigger_type" binding:"required"`
	Context     models.TriggerContext `json:"context"`
}

// TestRuleRequest overrides fields of the synthetic test context.
type TestRuleRequest struct {
	Context models.TriggerContext `json:"context"`
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	var req services.AutomationRuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	normalizePage(&req.Page, &req.PageSize)

	rules, total, err := h.service.ListRules(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		respondError(c, err, "Failed to list automation rules")
		return
	}
	c.JSON(http.StatusOK, newPaginatedResponse(rules, total, req.Page, req.PageSize))
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.service.CreateRule(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		respondError(c, err, "Failed to create automation rule")
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule 获取规则详情
func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		respondError(c, err, "Failed to load automation rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.AutomationRuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.service.UpdateRule(c.Request.Context(), middleware.UserID(c), id, &req)
	if err != nil {
		respondError(c, err, "Failed to update automation rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), middleware.UserID(c), id); err != nil {
		respondError(c, err, "Failed to delete automation rule")
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// ToggleRule 启用/停用规则
func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rule, err := h.service.ToggleRule(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		respondError(c, err, "Failed to toggle automation rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

// TestRule runs the rule now against sample data. The execution is returned
// with 200 whether or not the action succeeded.
func (h *AutomationHandler) TestRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req TestRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	exec, err := h.service.TestRule(c.Request.Context(), middleware.UserID(c), id, req.Context)
	if exec == nil {
		respondError(c, err, "Failed to test automation rule")
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GetRuleStats 规则执行统计
func (h *AutomationHandler) GetRuleStats(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	stats, err := h.service.GetRuleStats(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		respondError(c, err, "Failed to load rule stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListRuleExecutions 单条规则的执行记录
func (h *AutomationHandler) ListRuleExecutions(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.ExecutionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	req.RuleID = &id
	h.listExecutions(c, &req)
}

// ListExecutions 全部执行记录
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	var req services.ExecutionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	h.listExecutions(c, &req)
}

func (h *AutomationHandler) listExecutions(c *gin.Context, req *services.ExecutionListRequest) {
	normalizePage(&req.Page, &req.PageSize)
	execs, total, err := h.service.ListExecutions(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		respondError(c, err, "Failed to list executions")
		return
	}
	c.JSON(http.StatusOK, newPaginatedResponse(execs, total, req.Page, req.PageSize))
}

// FireTrigger runs a domain event through the engine. The event is always
// attributed to the authenticated user.
func (h *AutomationHandler) FireTrigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if req.Context == nil {
		req.Context = models.TriggerContext{}
	}
	req.Context["userId"] = middleware.UserID(c)

	result, err := h.service.ProcessTrigger(c.Request.Context(), req.TriggerType, req.Context)
	if err != nil {
		respondError(c, err, "Failed to process trigger")
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListReviewRequests 评价邀请列表
func (h *AutomationHandler) ListReviewRequests(c *gin.Context) {
	var req services.ReviewRequestListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	normalizePage(&req.Page, &req.PageSize)

	items, total, err := h.reviews.List(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		respondError(c, err, "Failed to list review requests")
		return
	}
	c.JSON(http.StatusOK, newPaginatedResponse(items, total, req.Page, req.PageSize))
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListRules)
		auto.POST("", handler.CreateRule)
		auto.POST("/triggers", handler.FireTrigger)
		auto.GET("/executions", handler.ListExecutions)
		auto.GET("/:id", handler.GetRule)
		auto.PUT("/:id", handler.UpdateRule)
		auto.DELETE("/:id", handler.DeleteRule)
		auto.POST("/:id/toggle", handler.ToggleRule)
		auto.POST("/:id/test", handler.TestRule)
		auto.GET("/:id/stats", handler.GetRuleStats)
		auto.GET("/:id/executions", handler.ListRuleExecutions)
	}
	r.GET("/review-requests", handler.ListReviewRequests)
}
