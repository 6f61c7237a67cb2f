package common

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// BaseService 服务基类，封装通用的数据库操作方法
// 数据库句柄显式注入，不依赖任何包级单例。
type BaseService struct {
	DB *gorm.DB
}

// NewBaseService 创建BaseService实例
func NewBaseService(db *gorm.DB) *BaseService {
	return &BaseService{DB: db}
}

// ============================================================================
// 分页
// ============================================================================

// ApplyPagination 应用分页条件
// page: 页码（从1开始）
// pageSize: 每页数量
func (s *BaseService) ApplyPagination(query *gorm.DB, page, pageSize int) *gorm.DB {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	offset := (page - 1) * pageSize
	return query.Offset(offset).Limit(pageSize)
}

// ============================================================================
// 日期范围过滤
// ============================================================================

// ApplyDateRangeFilter 应用日期范围过滤
// fieldName: 日期字段名称（如 created_at）
func (s *BaseService) ApplyDateRangeFilter(query *gorm.DB, fieldName string, dateRange *DateRange) *gorm.DB {
	if dateRange == nil {
		return query
	}

	if !dateRange.Start.IsZero() {
		query = query.Where(fmt.Sprintf("%s >= ?", fieldName), dateRange.Start)
	}

	if !dateRange.End.IsZero() {
		query = query.Where(fmt.Sprintf("%s <= ?", fieldName), dateRange.End)
	}

	return query
}

// ============================================================================
// 事务支持
// ============================================================================

// Transaction 执行事务
func (s *BaseService) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.DB.WithContext(ctx).Transaction(fn)
}

// ============================================================================
// 计数与统计
// ============================================================================

// Count 统计记录数
func (s *BaseService) Count(ctx context.Context, model interface{}, condition string, args ...interface{}) (int64, error) {
	var count int64
	query := s.DB.WithContext(ctx).Model(model)
	if condition != "" {
		query = query.Where(condition, args...)
	}
	err := query.Count(&count).Error
	return count, err
}

// ============================================================================
// 工具方法
// ============================================================================

// GetDB 获取数据库实例
func (s *BaseService) GetDB() *gorm.DB {
	return s.DB
}

// GetDBWithContext 获取带上下文的数据库实例
func (s *BaseService) GetDBWithContext(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}
