package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditledger/internal/common"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============================================================================
// 余额存储
// ============================================================================

// BalanceStore 余额行的存取与条件变更原语
// 余额是唯一的共享可变资源，所有变更都走这里的条件更新语句，
// 应用层绝不做"读出再写回"。
type BalanceStore struct {
	*common.BaseService
}

// NewBalanceStore 创建余额存储
func NewBalanceStore(db *gorm.DB) *BalanceStore {
	return &BalanceStore{BaseService: common.NewBaseService(db)}
}

// Ensure 获取主体的余额行，不存在则以套餐种子额度原子建立
// 并发首次使用依赖 (tenant_kind, tenant_key) 唯一索引 + 冲突忽略，
// 无论谁赢得插入，最终都读回同一行。
func (s *BalanceStore) Ensure(ctx context.Context, ref TenantRef, seed, warnThreshold int64) (*Balance, error) {
	if ref.IsZero() {
		return nil, ErrUnresolvedTenant
	}

	now := time.Now().UTC()
	row := Balance{
		ID:            uuid.New().String(),
		TenantKind:    string(ref.Kind),
		TenantKey:     ref.Key,
		Credits:       seed,
		RefillAmount:  seed,
		WarnThreshold: warnThreshold,
		LastSyncedAt:  now,
	}
	err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_kind"}, {Name: "tenant_key"}},
			DoNothing: true,
		}).
		Create(&row).Error
	// 部分驱动在 DoNothing 冲突时仍返回重复键错误，同样视为已存在
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("建立余额行失败: %w", err)
	}

	return s.Get(ctx, ref)
}

// Get 按主体读取余额行
func (s *BalanceStore) Get(ctx context.Context, ref TenantRef) (*Balance, error) {
	var balance Balance
	err := s.DB.WithContext(ctx).
		Where("tenant_kind = ? AND tenant_key = ?", string(ref.Kind), ref.Key).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取余额失败: %w", err)
	}
	return &balance, nil
}

// TryDebit 条件扣减："credits >= amount 时减去 amount"
// 单条原子语句，不存在读-写竞态窗口；返回是否恰好命中一行。
// 余额为 5 时两个并发的 3 积分扣减不可能同时成功。
func (s *BalanceStore) TryDebit(db *gorm.DB, balanceID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	res := db.Model(&Balance{}).
		Where("id = ? AND credits >= ?", balanceID, amount).
		Updates(map[string]interface{}{
			"credits":       gorm.Expr("credits - ?", amount),
			"total_debited": gorm.Expr("total_debited + ?", amount),
		})
	if res.Error != nil {
		return false, fmt.Errorf("条件扣减失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Credit 无条件增加余额，仅由退款/发放路径调用
// 退款不存在"余额不足"一说，命不中余额行才算失败。
func (s *BalanceStore) Credit(db *gorm.DB, balanceID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	res := db.Model(&Balance{}).
		Where("id = ?", balanceID).
		Updates(map[string]interface{}{
			"credits":        gorm.Expr("credits + ?", amount),
			"total_refunded": gorm.Expr("total_refunded + ?", amount),
		})
	if res.Error != nil {
		return fmt.Errorf("余额回补失败: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrBalanceNotFound
	}
	return nil
}

// TopUp 发放路径的无条件增加，只动 credits，不计入退款累计
func (s *BalanceStore) TopUp(db *gorm.DB, balanceID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	res := db.Model(&Balance{}).
		Where("id = ?", balanceID).
		Update("credits", gorm.Expr("credits + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("发放积分失败: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrBalanceNotFound
	}
	return nil
}

// CreditsOf 在事务内重读余额值，用于返回扣减后的精确剩余额度
func (s *BalanceStore) CreditsOf(db *gorm.DB, balanceID string) (int64, error) {
	var balance Balance
	if err := db.Select("credits").Where("id = ?", balanceID).First(&balance).Error; err != nil {
		return 0, fmt.Errorf("读取剩余额度失败: %w", err)
	}
	return balance.Credits, nil
}

// TouchWarn 低余额预警去抖：24 小时内只预警一次
// 返回 true 表示本次应当发出预警。
func (s *BalanceStore) TouchWarn(ctx context.Context, balanceID string) (bool, error) {
	now := time.Now().UTC()
	res := s.DB.WithContext(ctx).Model(&Balance{}).
		Where("id = ? AND (last_warn_at IS NULL OR last_warn_at < ?)", balanceID, now.Add(-24*time.Hour)).
		Update("last_warn_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("更新预警时间失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
