package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"creditledger/internal/common"

	"gorm.io/gorm"
)

// ============================================================================
// 用量审计流水
// ============================================================================

// AuditLog 用量流水的追加与查询
// 追加必须发生在余额变更所在的同一事务里：记了账没扣款、
// 扣了款没记账都是一致性缺陷。流水只追加，没有更新竞争。
type AuditLog struct {
	*common.BaseService
}

// NewAuditLog 创建审计流水访问器
func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{BaseService: common.NewBaseService(db)}
}

// Append 在调用方事务内追加一条不可变流水
func (l *AuditLog) Append(db *gorm.DB, record *UsageRecord) error {
	if err := db.Create(record).Error; err != nil {
		return fmt.Errorf("追加用量流水失败: %w", err)
	}
	return nil
}

// FindByIdempotencyKey 按幂等令牌查找主体下的历史流水
// 未命中返回 (nil, nil)。
func (l *AuditLog) FindByIdempotencyKey(ctx context.Context, ref TenantRef, key string) (*UsageRecord, error) {
	if key == "" {
		return nil, nil
	}

	var record UsageRecord
	err := l.DB.WithContext(ctx).
		Where("tenant_kind = ? AND tenant_key = ? AND idempotency_key = ?", string(ref.Kind), ref.Key, key).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询幂等流水失败: %w", err)
	}
	return &record, nil
}

// filtered 应用主体、功能、类型与时间范围过滤
func (l *AuditLog) filtered(ctx context.Context, query *RecordQuery) *gorm.DB {
	db := l.DB.WithContext(ctx).Model(&UsageRecord{}).
		Where("tenant_kind = ? AND tenant_key = ?", string(query.Tenant.Kind), query.Tenant.Key)

	if query.Feature != "" {
		db = db.Where("feature = ?", string(query.Feature))
	}
	if query.Kind != "" {
		db = db.Where("kind = ?", string(query.Kind))
	}
	return l.ApplyDateRangeFilter(db, "created_at", query.dateRange())
}

// List 查询流水（主体、功能、类型、时间范围、分页），供对账与报表界面使用
func (l *AuditLog) List(ctx context.Context, query *RecordQuery) ([]UsageRecord, int64, error) {
	db := l.filtered(ctx, query)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计流水总数失败: %w", err)
	}

	var records []UsageRecord
	err := l.ApplyPagination(db.Order("created_at DESC"), query.Pagination.Page, query.Pagination.PageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询流水失败: %w", err)
	}

	return records, total, nil
}

// SumCredits 汇总主体所有流水的 credits，对账用
// 审计完备性：balance.credits == seed - SumCredits。
func (l *AuditLog) SumCredits(ctx context.Context, ref TenantRef) (int64, error) {
	var sum struct {
		Total int64
	}
	err := l.DB.WithContext(ctx).Model(&UsageRecord{}).
		Select("COALESCE(SUM(credits), 0) as total").
		Where("tenant_kind = ? AND tenant_key = ?", string(ref.Kind), ref.Key).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("汇总流水失败: %w", err)
	}
	return sum.Total, nil
}

// ExportCSV 导出流水为 CSV
// 不走 List 的分页（它为接口页面封顶 100 条），导出使用较大的单页。
func (l *AuditLog) ExportCSV(ctx context.Context, query *RecordQuery) (string, error) {
	var records []UsageRecord
	err := l.filtered(ctx, query).
		Order("created_at DESC").
		Limit(10000).
		Find(&records).Error
	if err != nil {
		return "", fmt.Errorf("导出流水失败: %w", err)
	}

	var builder strings.Builder
	writer := csv.NewWriter(&builder)

	writer.Write([]string{
		"ID", "主体类型", "主体ID", "操作用户", "类型", "功能", "积分变动", "时间",
	})

	for _, r := range records {
		writer.Write([]string{
			r.ID,
			r.TenantKind,
			r.TenantKey,
			r.ActorID,
			string(r.Kind),
			r.Feature,
			fmt.Sprintf("%d", r.Credits),
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	writer.Flush()
	return builder.String(), writer.Error()
}
