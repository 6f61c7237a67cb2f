package ledger

import (
	"context"
	"errors"
	"time"

	"creditledger/internal/common"
	"creditledger/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 扣费 / 退款引擎
// ============================================================================

// Service 积分账本服务
// 对外三个核心操作：Validate（预检，仅供参考）、Debit（扣费，余额不足时报错）、
// Refund（补偿退款，尽力而为，不因余额问题失败）。
// 每次扣费的状态机：NotStarted → Debited → {Completed | Refunded}，
// 余额不足时进入终态 Rejected，不产生任何部分效果。
type Service struct {
	*common.BaseService
	registry *CostRegistry
	plans    PlanResolver
	resolver Resolver
	balances *BalanceStore
	records  *AuditLog
	cache    *BalanceCache
	log      *zap.Logger
}

// ServiceOption 服务配置项
type ServiceOption func(*Service)

// WithBalanceCache 挂接余额快照缓存（仅预检/展示路径使用）
func WithBalanceCache(cache *BalanceCache) ServiceOption {
	return func(s *Service) { s.cache = cache }
}

// WithPlanResolver 替换套餐种子额度来源
func WithPlanResolver(plans PlanResolver) ServiceOption {
	return func(s *Service) { s.plans = plans }
}

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// NewService 创建账本服务
// 数据库句柄显式注入，服务内部不持有任何进程级单例，
// 测试可以替换为内存库，多个账本实例可以共存。
func NewService(db *gorm.DB, registry *CostRegistry, opts ...ServiceOption) *Service {
	s := &Service{
		BaseService: common.NewBaseService(db),
		registry:    registry,
		plans:       registry,
		balances:    NewBalanceStore(db),
		records:     NewAuditLog(db),
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry 返回定价注册表，供入口层校验功能标识
func (s *Service) Registry() *CostRegistry {
	return s.registry
}

// ============ 预检 ============

// Validate 扣费前的余额预检
// 只读不写，结果仅供参考：读到的余额到真正扣费时可能已经过期，
// 权威校验永远是扣费事务里的条件更新。
func (s *Service) Validate(ctx context.Context, actor Actor, feature FeatureKey, quantity int) (*ValidateResult, error) {
	ref, err := s.resolver.Resolve(actor)
	if err != nil {
		return nil, err
	}

	needed := s.needed(feature, quantity)

	if s.cache != nil {
		if credits, ok := s.cache.Get(ctx, ref); ok {
			return &ValidateResult{Available: credits, Needed: needed, Sufficient: credits >= needed}, nil
		}
	}

	var available int64
	balance, err := s.balances.Get(ctx, ref)
	switch {
	case errors.Is(err, ErrBalanceNotFound):
		// 尚未开户：首次扣费时会以套餐种子额度建立余额，按种子额度估算
		available = s.plans.SeedCredits(ref)
	case err != nil:
		return nil, err
	default:
		available = balance.Credits
		if s.cache != nil {
			s.cache.Set(ctx, ref, available)
		}
	}

	return &ValidateResult{Available: available, Needed: needed, Sufficient: available >= needed}, nil
}

// ============ 扣费 ============

// Debit 扣费
// 在单个事务内先追加 +needed 的流水、再执行条件扣减；
// 条件扣减命不中任何行时整个事务回滚（流水一并撤销），
// 返回携带所需/可用额度的 InsufficientCreditsError。
func (s *Service) Debit(ctx context.Context, req *DebitRequest) (*DebitResult, error) {
	start := time.Now()

	ref, err := s.resolver.Resolve(req.Actor)
	if err != nil {
		// 认证层错误，原样向上传递
		return nil, err
	}

	needed := s.needed(req.Feature, req.Quantity)

	balance, err := s.balances.Ensure(ctx, ref, s.plans.SeedCredits(ref), s.registry.WarnThreshold())
	if err != nil {
		s.observe("debit", req.Feature, metrics.OutcomeError, 0, start)
		return nil, err
	}

	// 幂等令牌命中历史流水：no-op，返回当前余额
	if req.IdempotencyKey != "" {
		prior, err := s.records.FindByIdempotencyKey(ctx, ref, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			s.observe("debit", req.Feature, metrics.OutcomeReplayed, 0, start)
			return &DebitResult{CreditsRemaining: balance.Credits, RecordID: prior.ID, Replayed: true}, nil
		}
	}

	meta, err := req.Metadata.ToJSON()
	if err != nil {
		return nil, err
	}

	record := &UsageRecord{
		ID:             uuid.New().String(),
		TenantKind:     string(ref.Kind),
		TenantKey:      ref.Key,
		ActorID:        req.Actor.UserID,
		Kind:           RecordKindDebit,
		Feature:        string(req.Feature),
		Credits:        needed,
		Metadata:       meta,
		IdempotencyKey: idempotencyPtr(req.IdempotencyKey),
	}

	// 尝试扣减前读到的余额，只用于错误提示
	available := balance.Credits

	var remaining int64
	err = s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.records.Append(tx, record); err != nil {
			return err
		}
		ok, err := s.balances.TryDebit(tx, balance.ID, needed)
		if err != nil {
			return err
		}
		if !ok {
			return &InsufficientCreditsError{Required: needed, Available: available}
		}
		remaining, err = s.balances.CreditsOf(tx, balance.ID)
		return err
	})
	if err != nil {
		// 并发请求携带同一幂等令牌：输掉唯一索引竞争的一方按重放处理
		if req.IdempotencyKey != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			if prior, ferr := s.records.FindByIdempotencyKey(ctx, ref, req.IdempotencyKey); ferr == nil && prior != nil {
				current, gerr := s.balances.Get(ctx, ref)
				if gerr != nil {
					return nil, gerr
				}
				s.observe("debit", req.Feature, metrics.OutcomeReplayed, 0, start)
				return &DebitResult{CreditsRemaining: current.Credits, RecordID: prior.ID, Replayed: true}, nil
			}
		}

		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			s.observe("debit", req.Feature, metrics.OutcomeInsufficient, 0, start)
			s.log.Info("扣费被拒绝：余额不足",
				zap.String("tenant", ref.String()),
				zap.String("feature", string(req.Feature)),
				zap.Int64("required", insufficient.Required),
				zap.Int64("available", insufficient.Available),
			)
			return nil, insufficient
		}

		// 存储层故障：绝不吞掉，否则流水与余额可能失步
		s.observe("debit", req.Feature, metrics.OutcomeError, 0, start)
		return nil, err
	}

	s.afterBalanceChange(ctx, ref, remaining)
	s.warnIfLow(ctx, ref, balance, remaining)
	s.observe("debit", req.Feature, metrics.OutcomeOK, needed, start)

	return &DebitResult{CreditsRemaining: remaining, RecordID: record.ID}, nil
}

// ============ 退款补偿 ============

// Refund 补偿退款
// 扣费成功后下游操作失败时调用。在单个事务内追加 -needed 的流水
// （metadata 打上 refund 标记）并无条件回补余额。
// 与扣费不同，退款落库失败只记日志不抛错：调用方此刻通常已在失败
// 路径上，退款失败不应掩盖触发退款的原始错误。这是刻意的不对称设计。
func (s *Service) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	start := time.Now()

	ref, err := s.resolver.Resolve(req.Actor)
	if err != nil {
		return nil, err
	}

	needed := s.needed(req.Feature, req.Quantity)

	balance, err := s.balances.Ensure(ctx, ref, s.plans.SeedCredits(ref), s.registry.WarnThreshold())
	if err != nil {
		s.logRefundFailure(ref, req, err)
		s.observe("refund", req.Feature, metrics.OutcomeError, 0, start)
		return &RefundResult{Applied: false}, nil
	}

	if req.IdempotencyKey != "" {
		prior, err := s.records.FindByIdempotencyKey(ctx, ref, req.IdempotencyKey)
		if err != nil {
			s.logRefundFailure(ref, req, err)
			return &RefundResult{Applied: false}, nil
		}
		if prior != nil {
			s.observe("refund", req.Feature, metrics.OutcomeReplayed, 0, start)
			return &RefundResult{CreditsRemaining: balance.Credits, RecordID: prior.ID, Applied: true, Replayed: true}, nil
		}
	}

	meta, err := req.Metadata.MarkRefund(req.Reason).ToJSON()
	if err != nil {
		s.logRefundFailure(ref, req, err)
		return &RefundResult{Applied: false}, nil
	}

	record := &UsageRecord{
		ID:             uuid.New().String(),
		TenantKind:     string(ref.Kind),
		TenantKey:      ref.Key,
		ActorID:        req.Actor.UserID,
		Kind:           RecordKindRefund,
		Feature:        string(req.Feature),
		Credits:        -needed,
		Metadata:       meta,
		IdempotencyKey: idempotencyPtr(req.IdempotencyKey),
	}

	var remaining int64
	err = s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.records.Append(tx, record); err != nil {
			return err
		}
		if err := s.balances.Credit(tx, balance.ID, needed); err != nil {
			return err
		}
		var err error
		remaining, err = s.balances.CreditsOf(tx, balance.ID)
		return err
	})
	if err != nil {
		if req.IdempotencyKey != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			if prior, ferr := s.records.FindByIdempotencyKey(ctx, ref, req.IdempotencyKey); ferr == nil && prior != nil {
				current, gerr := s.balances.Get(ctx, ref)
				remaining := int64(0)
				if gerr == nil {
					remaining = current.Credits
				}
				s.observe("refund", req.Feature, metrics.OutcomeReplayed, 0, start)
				return &RefundResult{CreditsRemaining: remaining, RecordID: prior.ID, Applied: true, Replayed: true}, nil
			}
		}

		s.logRefundFailure(ref, req, err)
		s.observe("refund", req.Feature, metrics.OutcomeError, 0, start)
		return &RefundResult{CreditsRemaining: balance.Credits, Applied: false}, nil
	}

	s.afterBalanceChange(ctx, ref, remaining)
	s.observe("refund", req.Feature, metrics.OutcomeOK, needed, start)

	return &RefundResult{CreditsRemaining: remaining, RecordID: record.ID, Applied: true}, nil
}

// ============ 发放 ============

// Grant 发放积分（管理员充值或外部计费系统补充额度）
// 流水记为负值，保持"余额 = 种子额度 - 流水之和"的对账不变式。
func (s *Service) Grant(ctx context.Context, req *GrantRequest) (*DebitResult, error) {
	start := time.Now()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ref, err := s.resolver.Resolve(req.Actor)
	if err != nil {
		return nil, err
	}

	balance, err := s.balances.Ensure(ctx, ref, s.plans.SeedCredits(ref), s.registry.WarnThreshold())
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		prior, err := s.records.FindByIdempotencyKey(ctx, ref, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			s.observe("grant", "", metrics.OutcomeReplayed, 0, start)
			return &DebitResult{CreditsRemaining: balance.Credits, RecordID: prior.ID, Replayed: true}, nil
		}
	}

	meta, err := (&UsageMetadata{
		Kind:  MetadataKindGrant,
		Grant: &GrantContext{OperatorID: req.OperatorID, Note: req.Note},
	}).ToJSON()
	if err != nil {
		return nil, err
	}

	record := &UsageRecord{
		ID:             uuid.New().String(),
		TenantKind:     string(ref.Kind),
		TenantKey:      ref.Key,
		ActorID:        req.OperatorID,
		Kind:           RecordKindGrant,
		Credits:        -req.Amount,
		Metadata:       meta,
		IdempotencyKey: idempotencyPtr(req.IdempotencyKey),
	}

	var remaining int64
	err = s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.records.Append(tx, record); err != nil {
			return err
		}
		if err := s.balances.TopUp(tx, balance.ID, req.Amount); err != nil {
			return err
		}
		var err error
		remaining, err = s.balances.CreditsOf(tx, balance.ID)
		return err
	})
	if err != nil {
		s.observe("grant", "", metrics.OutcomeError, 0, start)
		return nil, err
	}

	s.afterBalanceChange(ctx, ref, remaining)
	s.observe("grant", "", metrics.OutcomeOK, req.Amount, start)

	return &DebitResult{CreditsRemaining: remaining, RecordID: record.ID}, nil
}

// ============ 查询 ============

// GetBalance 读取调用方计费主体的余额，未开户时懒建立
func (s *Service) GetBalance(ctx context.Context, actor Actor) (*Balance, error) {
	ref, err := s.resolver.Resolve(actor)
	if err != nil {
		return nil, err
	}
	return s.balances.Ensure(ctx, ref, s.plans.SeedCredits(ref), s.registry.WarnThreshold())
}

// ListRecords 查询调用方计费主体的用量流水
func (s *Service) ListRecords(ctx context.Context, actor Actor, query *RecordQuery) ([]UsageRecord, int64, error) {
	ref, err := s.resolver.Resolve(actor)
	if err != nil {
		return nil, 0, err
	}
	query.Tenant = ref
	return s.records.List(ctx, query)
}

// ExportRecordsCSV 导出调用方计费主体的用量流水
func (s *Service) ExportRecordsCSV(ctx context.Context, actor Actor, query *RecordQuery) (string, error) {
	ref, err := s.resolver.Resolve(actor)
	if err != nil {
		return "", err
	}
	query.Tenant = ref
	return s.records.ExportCSV(ctx, query)
}

// ============ 内部方法 ============

// needed 计算本次操作所需积分：单价 × max(1, quantity)
func (s *Service) needed(feature FeatureKey, quantity int) int64 {
	if quantity < 1 {
		quantity = 1
	}
	return s.registry.Cost(feature) * int64(quantity)
}

// afterBalanceChange 余额变更提交后的缓存维护
func (s *Service) afterBalanceChange(ctx context.Context, ref TenantRef, remaining int64) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, ref)
	s.cache.Set(ctx, ref, remaining)
}

// warnIfLow 低余额预警，24 小时去抖
func (s *Service) warnIfLow(ctx context.Context, ref TenantRef, balance *Balance, remaining int64) {
	if balance.WarnThreshold <= 0 || remaining > balance.WarnThreshold {
		return
	}
	ok, err := s.balances.TouchWarn(ctx, balance.ID)
	if err != nil || !ok {
		return
	}
	metrics.LedgerLowBalanceWarnings.WithLabelValues(string(ref.Kind)).Inc()
	s.log.Warn("余额低于预警阈值",
		zap.String("tenant", ref.String()),
		zap.Int64("remaining", remaining),
		zap.Int64("threshold", balance.WarnThreshold),
	)
}

func (s *Service) logRefundFailure(ref TenantRef, req *RefundRequest, err error) {
	s.log.Error("退款落库失败（不向上抛出，避免掩盖触发退款的原始错误）",
		zap.String("tenant", ref.String()),
		zap.String("feature", string(req.Feature)),
		zap.String("reason", req.Reason),
		zap.Error(err),
	)
}

func (s *Service) observe(op string, feature FeatureKey, outcome string, credits int64, start time.Time) {
	metrics.ObserveLedgerOp(op, string(feature), outcome, credits, time.Since(start).Seconds())
}

func idempotencyPtr(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}
