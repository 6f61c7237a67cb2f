package ledger

import "fmt"

// ============================================================================
// 功能定价注册表
// ============================================================================

// FeatureKey 计费功能标识
type FeatureKey string

const (
	FeatureChatCompletion  FeatureKey = "chat_completion"
	FeatureImageGeneration FeatureKey = "image_generation"
	FeatureVideoRender     FeatureKey = "video_render"
	FeatureDocAnalysis     FeatureKey = "doc_analysis"
)

// defaultCosts 内置单次定价，可被配置覆盖
var defaultCosts = map[FeatureKey]int64{
	FeatureChatCompletion:  1,
	FeatureImageGeneration: 5,
	FeatureVideoRender:     20,
	FeatureDocAnalysis:     2,
}

// PlanResolver 新主体首次建立余额时查询的套餐种子额度
type PlanResolver interface {
	SeedCredits(ref TenantRef) int64
}

// CostRegistry 功能定价注册表
// 单次定价的唯一来源；请求期只读，配置热更新不在账本范围内。
type CostRegistry struct {
	costs     map[FeatureKey]int64
	userSeed  int64
	orgSeed   int64
	warnAt    int64
}

// RegistryOption 注册表配置项
type RegistryOption func(*CostRegistry)

// WithCostOverrides 按配置覆盖内置定价
// 只接受已知功能，未知键是配置错误，直接 panic。
func WithCostOverrides(overrides map[string]int64) RegistryOption {
	return func(r *CostRegistry) {
		for k, v := range overrides {
			key := FeatureKey(k)
			if _, ok := r.costs[key]; !ok {
				panic(fmt.Sprintf("ledger: cost override for unknown feature %q", k))
			}
			if v > 0 {
				r.costs[key] = v
			}
		}
	}
}

// WithSeedCredits 设置个人/组织首次开户的种子额度
func WithSeedCredits(userSeed, orgSeed int64) RegistryOption {
	return func(r *CostRegistry) {
		r.userSeed = userSeed
		r.orgSeed = orgSeed
	}
}

// WithWarnThreshold 设置新建余额行的低余额预警阈值
func WithWarnThreshold(threshold int64) RegistryOption {
	return func(r *CostRegistry) {
		r.warnAt = threshold
	}
}

// NewCostRegistry 创建注册表
func NewCostRegistry(opts ...RegistryOption) *CostRegistry {
	r := &CostRegistry{
		costs:    make(map[FeatureKey]int64, len(defaultCosts)),
		userSeed: 100,
		orgSeed:  500,
	}
	for k, v := range defaultCosts {
		r.costs[k] = v
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cost 返回功能的单次积分定价
// 对已知功能集合是全函数；传入未知功能属于编程错误，直接 panic 而不是返回运行时错误。
func (r *CostRegistry) Cost(feature FeatureKey) int64 {
	cost, ok := r.costs[feature]
	if !ok {
		panic(fmt.Sprintf("ledger: unknown feature %q", feature))
	}
	return cost
}

// Known 判断功能标识是否在封闭集合内，供入口层做参数校验
func (r *CostRegistry) Known(feature FeatureKey) bool {
	_, ok := r.costs[feature]
	return ok
}

// SeedCredits 实现 PlanResolver，按主体类型返回套餐种子额度
func (r *CostRegistry) SeedCredits(ref TenantRef) int64 {
	if ref.Kind == TenantKindOrg {
		return r.orgSeed
	}
	return r.userSeed
}

// WarnThreshold 新建余额行使用的预警阈值
func (r *CostRegistry) WarnThreshold() int64 {
	return r.warnAt
}
