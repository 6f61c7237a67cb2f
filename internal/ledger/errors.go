package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits 积分不足，用于 errors.Is 判断
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnresolvedTenant 无法解析计费主体（视为认证层错误，原样向上传递）
	ErrUnresolvedTenant = errors.New("unresolved tenant")

	// ErrBalanceNotFound 余额行不存在
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrInvalidAmount 无效的积分金额
	ErrInvalidAmount = errors.New("invalid credit amount")
)

// InsufficientCreditsError 积分不足的结构化错误
// 携带所需与可用额度，供上层渲染"购买积分"之类的引导。
type InsufficientCreditsError struct {
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Is 支持 errors.Is(err, ErrInsufficientCredits)
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
