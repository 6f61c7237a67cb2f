package ledger

import (
	"time"

	"creditledger/internal/common"

	"gorm.io/datatypes"
)

// ============================================================================
// 计费主体
// ============================================================================

// TenantKind 计费主体类型
type TenantKind string

const (
	// TenantKindUser 个人账户（每个用户一个余额）
	TenantKindUser TenantKind = "user"
	// TenantKindOrg 组织账户（组织内所有成员共享一个余额池）
	TenantKindOrg TenantKind = "org"
)

// TenantRef 计费主体引用
// 扣费/退款引擎只操作 TenantRef，不区分个人与组织两条代码路径。
type TenantRef struct {
	Kind TenantKind `json:"kind"`
	Key  string     `json:"key"`
}

// String 返回 "kind:key" 形式的稳定标识，用于日志与缓存键
func (r TenantRef) String() string {
	return string(r.Kind) + ":" + r.Key
}

// IsZero 判断是否为空引用
func (r TenantRef) IsZero() bool {
	return r.Kind == "" || r.Key == ""
}

// Actor 调用方身份
// 由上游认证层解析后传入；OrgID 非空时计费主体为该组织的共享余额池。
type Actor struct {
	UserID string `json:"userId"`
	OrgID  string `json:"orgId"`
}

// ============================================================================
// 数据模型
// ============================================================================

// Balance 积分余额，每个计费主体恰好一行
// credits 永远不会因为账本操作变为负数；余额变更只通过条件更新语句完成。
type Balance struct {
	ID            string     `json:"id" gorm:"primaryKey;type:uuid"`
	TenantKind    string     `json:"tenantKind" gorm:"size:10;not null;uniqueIndex:idx_balance_tenant"`
	TenantKey     string     `json:"tenantKey" gorm:"type:uuid;not null;uniqueIndex:idx_balance_tenant"`
	Credits       int64      `json:"credits" gorm:"not null;default:0"`
	RefillAmount  int64      `json:"refillAmount" gorm:"not null;default:0"` // 周期补充额度（由外部订阅服务写入）
	TotalDebited  int64      `json:"totalDebited" gorm:"not null;default:0"`
	TotalRefunded int64      `json:"totalRefunded" gorm:"not null;default:0"`
	WarnThreshold int64      `json:"warnThreshold" gorm:"not null;default:0"` // 低余额预警阈值，0 表示不预警
	LastWarnAt    *time.Time `json:"lastWarnAt"`
	LastSyncedAt  time.Time  `json:"lastSyncedAt" gorm:"not null"`
	CreatedAt     time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt     time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TenantRef 返回该余额行对应的计费主体引用
func (b *Balance) TenantRef() TenantRef {
	return TenantRef{Kind: TenantKind(b.TenantKind), Key: b.TenantKey}
}

// RecordKind 流水类型
type RecordKind string

const (
	RecordKindDebit  RecordKind = "debit"  // 扣费，credits 为正
	RecordKindRefund RecordKind = "refund" // 退款补偿，credits 为负
	RecordKindGrant  RecordKind = "grant"  // 管理员/计费系统发放，credits 为负
)

// UsageRecord 用量流水，append-only
// 写入后不再更新或删除；同一主体所有流水的 credits 之和等于净消耗，
// 即 balance.credits == seed - sum(credits)。
type UsageRecord struct {
	ID         string         `json:"id" gorm:"primaryKey;type:uuid"`
	TenantKind string         `json:"tenantKind" gorm:"size:10;not null;index:idx_usage_tenant;uniqueIndex:idx_usage_idem"`
	TenantKey  string         `json:"tenantKey" gorm:"type:uuid;not null;index:idx_usage_tenant;uniqueIndex:idx_usage_idem"`
	ActorID    string         `json:"actorId" gorm:"type:uuid;index"` // 触发本次操作的用户（组织扣费时与 TenantKey 不同）
	Kind       RecordKind     `json:"kind" gorm:"size:10;not null;index"`
	Feature    string         `json:"feature" gorm:"size:50;index"` // grant 流水无关联功能，允许为空
	Credits    int64          `json:"credits" gorm:"not null"`      // 扣费为正，退款/发放为负
	Metadata   datatypes.JSON `json:"metadata"`

	// IdempotencyKey 调用方提供的幂等令牌，同一主体下唯一。
	// 网络重试携带相同令牌时扣费/退款均为 no-op。
	IdempotencyKey *string `json:"idempotencyKey,omitempty" gorm:"size:100;uniqueIndex:idx_usage_idem"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index:idx_usage_time"`
}

// ============================================================================
// 请求与结果
// ============================================================================

// DebitRequest 扣费请求
type DebitRequest struct {
	Actor          Actor          `json:"actor"`
	Feature        FeatureKey     `json:"feature"`
	Quantity       int            `json:"quantity"` // 默认 1
	Metadata       *UsageMetadata `json:"metadata"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// RefundRequest 退款请求
type RefundRequest struct {
	Actor          Actor          `json:"actor"`
	Feature        FeatureKey     `json:"feature"`
	Quantity       int            `json:"quantity"`
	Reason         string         `json:"reason"`
	Metadata       *UsageMetadata `json:"metadata"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// GrantRequest 发放请求（管理员充值 / 订阅服务补充额度）
type GrantRequest struct {
	Actor          Actor  `json:"actor"`
	Amount         int64  `json:"amount"`
	Note           string `json:"note"`
	OperatorID     string `json:"operatorId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// DebitResult 扣费结果
type DebitResult struct {
	CreditsRemaining int64  `json:"creditsRemaining"`
	RecordID         string `json:"recordId"`
	Replayed         bool   `json:"replayed"` // 幂等令牌命中历史流水时为 true
}

// RefundResult 退款结果
// Applied 为 false 表示退款未落库（失败已记日志，不向上抛出）。
type RefundResult struct {
	CreditsRemaining int64  `json:"creditsRemaining"`
	RecordID         string `json:"recordId"`
	Applied          bool   `json:"applied"`
	Replayed         bool   `json:"replayed"`
}

// ValidateResult 预检结果
// 仅供调用方在昂贵操作前提前拒绝，真正的余额校验以扣费事务中的条件更新为准。
type ValidateResult struct {
	Available  int64 `json:"available"`
	Needed     int64 `json:"needed"`
	Sufficient bool  `json:"sufficient"`
}

// RecordQuery 流水查询条件
type RecordQuery struct {
	Tenant     TenantRef                `json:"tenant"`
	Feature    FeatureKey               `json:"feature"`
	Kind       RecordKind               `json:"kind"`
	StartTime  *time.Time               `json:"startTime"`
	EndTime    *time.Time               `json:"endTime"`
	Pagination common.PaginationRequest `json:"pagination"`
}

// dateRange 把可选的起止时间转为通用过滤条件
func (q *RecordQuery) dateRange() *common.DateRange {
	if q.StartTime == nil && q.EndTime == nil {
		return nil
	}
	dr := &common.DateRange{}
	if q.StartTime != nil {
		dr.Start = *q.StartTime
	}
	if q.EndTime != nil {
		dr.End = *q.EndTime
	}
	return dr
}
