package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	response "creditledger/api/handlers/common"
	"creditledger/internal/auth"
	"creditledger/internal/common"
	ledgerSvc "creditledger/internal/ledger"

	"github.com/gin-gonic/gin"
)

// Handler 积分账本处理器
type Handler struct {
	svc *ledgerSvc.Service
}

// NewHandler 创建处理器
func NewHandler(svc *ledgerSvc.Service) *Handler {
	return &Handler{svc: svc}
}

// actorOf 从认证上下文提取调用方身份
func actorOf(c *gin.Context) (ledgerSvc.Actor, bool) {
	userCtx, ok := auth.GetUserContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return ledgerSvc.Actor{}, false
	}
	return ledgerSvc.Actor{UserID: userCtx.UserID, OrgID: userCtx.OrgID}, true
}

// writeError 将账本错误映射为 HTTP 响应
func (h *Handler) writeError(c *gin.Context, err error) {
	var insufficient *ledgerSvc.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		// 402：余额不足，附带所需/可用额度供客户端引导充值
		c.JSON(http.StatusPaymentRequired, response.ErrorResponse{
			Success: false,
			Code:    "INSUFFICIENT_CREDITS",
			Message: err.Error(),
			Detail: gin.H{
				"required":  insufficient.Required,
				"available": insufficient.Available,
			},
		})
	case errors.Is(err, ledgerSvc.ErrUnresolvedTenant):
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: err.Error()})
	case errors.Is(err, ledgerSvc.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
	}
}

// GetBalance 获取当前计费主体余额
// @Summary 获取积分余额
// @Tags Ledger
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/ledger/balance [get]
func (h *Handler) GetBalance(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}

	balance, err := h.svc.GetBalance(c.Request.Context(), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: balance})
}

type validateDTO struct {
	Feature  string `json:"feature" binding:"required"`
	Quantity int    `json:"quantity"`
}

// Validate 扣费前余额预检
// @Summary 预检余额是否足够
// @Tags Ledger
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body validateDTO true "预检请求"
// @Success 200 {object} response.APIResponse
// @Router /api/ledger/validate [post]
func (h *Handler) Validate(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}

	var dto validateDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	feature := ledgerSvc.FeatureKey(dto.Feature)
	if !h.svc.Registry().Known(feature) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "未知的计费功能: " + dto.Feature})
		return
	}

	result, err := h.svc.Validate(c.Request.Context(), actor, feature, dto.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: result})
}

type debitDTO struct {
	Feature        string                   `json:"feature" binding:"required"`
	Quantity       int                      `json:"quantity"`
	Metadata       *ledgerSvc.UsageMetadata `json:"metadata"`
	IdempotencyKey string                   `json:"idempotencyKey"`
}

// Debit 扣费
// @Summary 按功能定价扣减积分
// @Tags Ledger
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body debitDTO true "扣费请求"
// @Success 200 {object} response.APIResponse
// @Failure 402 {object} response.ErrorResponse
// @Router /api/ledger/debit [post]
func (h *Handler) Debit(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}

	var dto debitDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	feature := ledgerSvc.FeatureKey(dto.Feature)
	if !h.svc.Registry().Known(feature) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "未知的计费功能: " + dto.Feature})
		return
	}

	result, err := h.svc.Debit(c.Request.Context(), &ledgerSvc.DebitRequest{
		Actor:          actor,
		Feature:        feature,
		Quantity:       dto.Quantity,
		Metadata:       dto.Metadata,
		IdempotencyKey: dto.IdempotencyKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: result})
}

type refundDTO struct {
	Feature        string                   `json:"feature" binding:"required"`
	Quantity       int                      `json:"quantity"`
	Reason         string                   `json:"reason"`
	Metadata       *ledgerSvc.UsageMetadata `json:"metadata"`
	IdempotencyKey string                   `json:"idempotencyKey"`
}

// Refund 补偿退款
// @Summary 下游操作失败后回补积分
// @Tags Ledger
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body refundDTO true "退款请求"
// @Success 200 {object} response.APIResponse
// @Router /api/ledger/refund [post]
func (h *Handler) Refund(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}

	var dto refundDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	feature := ledgerSvc.FeatureKey(dto.Feature)
	if !h.svc.Registry().Known(feature) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "未知的计费功能: " + dto.Feature})
		return
	}

	result, err := h.svc.Refund(c.Request.Context(), &ledgerSvc.RefundRequest{
		Actor:          actor,
		Feature:        feature,
		Quantity:       dto.Quantity,
		Reason:         dto.Reason,
		Metadata:       dto.Metadata,
		IdempotencyKey: dto.IdempotencyKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: result})
}

type grantDTO struct {
	UserID         string `json:"userId"`
	OrgID          string `json:"orgId"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Grant 管理员发放积分
// @Summary 为用户或组织发放积分
// @Tags Ledger
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body grantDTO true "发放请求"
// @Success 200 {object} response.APIResponse
// @Router /api/ledger/grant [post]
func (h *Handler) Grant(c *gin.Context) {
	operator, ok := auth.GetUserContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return
	}

	var dto grantDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	if dto.UserID == "" && dto.OrgID == "" {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "必须指定 userId 或 orgId"})
		return
	}

	result, err := h.svc.Grant(c.Request.Context(), &ledgerSvc.GrantRequest{
		Actor:          ledgerSvc.Actor{UserID: dto.UserID, OrgID: dto.OrgID},
		Amount:         dto.Amount,
		Note:           dto.Note,
		OperatorID:     operator.UserID,
		IdempotencyKey: dto.IdempotencyKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: result, Message: "发放成功"})
}

// recordQueryFromRequest 从查询参数构造流水查询条件
func recordQueryFromRequest(c *gin.Context) *ledgerSvc.RecordQuery {
	query := &ledgerSvc.RecordQuery{}

	if f := c.Query("feature"); f != "" {
		query.Feature = ledgerSvc.FeatureKey(f)
	}
	if k := c.Query("kind"); k != "" {
		query.Kind = ledgerSvc.RecordKind(k)
	}
	if startStr := c.Query("startTime"); startStr != "" {
		if t, err := time.Parse("2006-01-02", startStr); err == nil {
			query.StartTime = &t
		}
	}
	if endStr := c.Query("endTime"); endStr != "" {
		if t, err := time.Parse("2006-01-02", endStr); err == nil {
			end := t.AddDate(0, 0, 1)
			query.EndTime = &end
		}
	}
	query.Pagination = common.DefaultPagination()
	if page, _ := strconv.Atoi(c.Query("page")); page > 0 {
		query.Pagination.Page = page
	}
	if pageSize, _ := strconv.Atoi(c.Query("page_size")); pageSize > 0 {
		query.Pagination.PageSize = pageSize
	}

	return query
}

// ListRecords 查询用量流水
// @Summary 查询当前计费主体的用量流水
// @Tags Ledger
// @Security BearerAuth
// @Param feature query string false "功能标识"
// @Param kind query string false "流水类型 (debit/refund/grant)"
// @Param startTime query string false "开始时间"
// @Param endTime query string false "结束时间"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Produce json
// @Success 200 {object} response.ListResponse
// @Router /api/ledger/records [get]
func (h *Handler) ListRecords(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}

	query := recordQueryFromRequest(c)
	records, total, err := h.svc.ListRecords(c.Request.Context(), actor, query)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.ListResponse{
		Items:      records,
		Pagination: response.NewPaginationMeta(query.Pagination.Page, query.Pagination.GetPageSize(), total),
	})
}

// ExportRecords 导出流水CSV
// @Summary 导出当前计费主体的用量流水为CSV
// @Tags Ledger
// @Security BearerAuth
// @Param feature query string false "功能标识"
// @Param kind query string false "流水类型"
// @Param startTime query string false "开始时间"
// @Param endTime query string false "结束时间"
// @Produce text/csv
// @Success 200 {string} string "CSV内容"
// @Router /api/ledger/records/export [get]
func (h *Handler) ExportRecords(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}

	query := recordQueryFromRequest(c)
	csvContent, err := h.svc.ExportRecordsCSV(c.Request.Context(), actor, query)
	if err != nil {
		h.writeError(c, err)
		return
	}

	filename := "usage_" + time.Now().Format("20060102150405") + ".csv"
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	// 添加 BOM 以支持 Excel 打开
	c.String(http.StatusOK, "\xEF\xBB\xBF"+csvContent)
}
