package ledger

import "strings"

// ============================================================================
// 计费主体解析
// ============================================================================

// Resolver 把调用方身份映射到计费主体
// 解析是确定性的纯函数：组织上下文存在时计费主体为组织共享池
// （无论哪个成员触发都扣同一池），否则为个人账户。
// 解析本身绝不写审计状态；余额行的懒建立发生在 BalanceStore.Ensure。
type Resolver struct{}

// Resolve 解析计费主体
func (Resolver) Resolve(actor Actor) (TenantRef, error) {
	orgID := strings.TrimSpace(actor.OrgID)
	if orgID != "" {
		return TenantRef{Kind: TenantKindOrg, Key: orgID}, nil
	}

	userID := strings.TrimSpace(actor.UserID)
	if userID == "" {
		return TenantRef{}, ErrUnresolvedTenant
	}
	return TenantRef{Kind: TenantKindUser, Key: userID}, nil
}
