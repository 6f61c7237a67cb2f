package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditledger_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 账本指标
var (
	// LedgerOperationsTotal 账本操作总数，按操作/功能/结果分类
	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_operations_total",
			Help: "账本操作总数",
		},
		[]string{"op", "feature", "outcome"},
	)

	// LedgerCreditsTotal 积分流转总量
	LedgerCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_credits_total",
			Help: "积分流转总量（扣费/退款/发放）",
		},
		[]string{"op", "feature"},
	)

	// LedgerOperationDuration 账本操作延迟（秒）
	LedgerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditledger_operation_duration_seconds",
			Help:    "账本操作延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// LedgerLowBalanceWarnings 低余额预警次数
	LedgerLowBalanceWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_low_balance_warnings_total",
			Help: "低余额预警次数",
		},
		[]string{"tenant_kind"},
	)
)

// 操作结果标签
const (
	OutcomeOK           = "ok"
	OutcomeInsufficient = "insufficient"
	OutcomeError        = "error"
	OutcomeReplayed     = "replayed"
)

// ObserveLedgerOp 记录一次账本操作
func ObserveLedgerOp(op, feature, outcome string, credits int64, seconds float64) {
	LedgerOperationsTotal.WithLabelValues(op, feature, outcome).Inc()
	LedgerOperationDuration.WithLabelValues(op).Observe(seconds)
	if outcome == OutcomeOK && credits > 0 {
		LedgerCreditsTotal.WithLabelValues(op, feature).Add(float64(credits))
	}
}
