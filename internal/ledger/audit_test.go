package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"creditledger/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAuditRecords(t *testing.T, log *AuditLog) TenantRef {
	t.Helper()
	ref := TenantRef{Kind: TenantKindUser, Key: "user-audit"}

	records := []UsageRecord{
		{ID: "a-1", TenantKind: "user", TenantKey: ref.Key, Kind: RecordKindDebit, Feature: "chat_completion", Credits: 1},
		{ID: "a-2", TenantKind: "user", TenantKey: ref.Key, Kind: RecordKindDebit, Feature: "image_generation", Credits: 5},
		{ID: "a-3", TenantKind: "user", TenantKey: ref.Key, Kind: RecordKindRefund, Feature: "image_generation", Credits: -5},
		{ID: "a-4", TenantKind: "user", TenantKey: "someone-else", Kind: RecordKindDebit, Feature: "chat_completion", Credits: 1},
	}
	for i := range records {
		require.NoError(t, log.Append(log.DB, &records[i]))
	}
	return ref
}

func TestListScopedToTenant(t *testing.T) {
	ctx := context.Background()
	db := setupLedgerTestDB(t)
	log := NewAuditLog(db)
	ref := seedAuditRecords(t, log)

	records, total, err := log.List(ctx, &RecordQuery{Tenant: ref})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, ref.Key, r.TenantKey)
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	db := setupLedgerTestDB(t)
	log := NewAuditLog(db)
	ref := seedAuditRecords(t, log)

	t.Run("按功能过滤", func(t *testing.T) {
		records, total, err := log.List(ctx, &RecordQuery{Tenant: ref, Feature: FeatureImageGeneration})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		assert.Len(t, records, 2)
	})

	t.Run("按类型过滤", func(t *testing.T) {
		records, total, err := log.List(ctx, &RecordQuery{Tenant: ref, Kind: RecordKindRefund})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, records, 1)
		assert.Equal(t, int64(-5), records[0].Credits)
	})

	t.Run("按时间范围过滤", func(t *testing.T) {
		future := time.Now().Add(time.Hour)
		_, total, err := log.List(ctx, &RecordQuery{Tenant: ref, StartTime: &future})
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	})
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	db := setupLedgerTestDB(t)
	log := NewAuditLog(db)
	ref := seedAuditRecords(t, log)

	// 分页只影响返回条数，total 仍是全量
	records, total, err := log.List(ctx, &RecordQuery{
		Tenant:     ref,
		Pagination: common.PaginationRequest{Page: 1, PageSize: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, records, 2)

	// 零值分页回退默认单页
	records, _, err = log.List(ctx, &RecordQuery{Tenant: ref})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestSumCredits(t *testing.T) {
	ctx := context.Background()
	db := setupLedgerTestDB(t)
	log := NewAuditLog(db)
	ref := seedAuditRecords(t, log)

	sum, err := log.SumCredits(ctx, ref)
	require.NoError(t, err)
	// 1 + 5 - 5，不包含其他主体的流水
	assert.Equal(t, int64(1), sum)

	empty, err := log.SumCredits(ctx, TenantRef{Kind: TenantKindOrg, Key: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty)
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	db := setupLedgerTestDB(t)
	log := NewAuditLog(db)
	ref := seedAuditRecords(t, log)

	content, err := log.ExportCSV(ctx, &RecordQuery{Tenant: ref})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(content), "\n")
	// 表头 + 3 条流水
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], "积分变动")
	assert.Contains(t, content, "image_generation")
}
