package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestService 小额种子便于测试余额耗尽，chat 单价覆盖为 3
func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := setupLedgerTestDB(t)
	registry := NewCostRegistry(
		WithCostOverrides(map[string]int64{"chat_completion": 3}),
		WithSeedCredits(10, 50),
	)
	return NewService(db, registry), db
}

func TestDebitHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	actor := Actor{UserID: "user-1"}

	result, err := svc.Debit(ctx, &DebitRequest{
		Actor:   actor,
		Feature: FeatureChatCompletion,
		Metadata: &UsageMetadata{
			Kind: MetadataKindChat,
			Chat: &ChatContext{Provider: "openai", Model: "gpt-4o", PromptTokens: 100, CompletionTokens: 50},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.CreditsRemaining)
	assert.False(t, result.Replayed)

	// 流水与余额同一事务落库
	var record UsageRecord
	require.NoError(t, db.First(&record, "id = ?", result.RecordID).Error)
	assert.Equal(t, RecordKindDebit, record.Kind)
	assert.Equal(t, int64(3), record.Credits)
	assert.Equal(t, "chat_completion", record.Feature)

	meta, err := MetadataFromJSON(record.Metadata)
	require.NoError(t, err)
	require.NotNil(t, meta.Chat)
	assert.Equal(t, "gpt-4o", meta.Chat.Model)
}

func TestDebitQuantityMultiplier(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// 3 积分 × 3 次 = 9，种子 10 剩 1
	result, err := svc.Debit(ctx, &DebitRequest{
		Actor:    Actor{UserID: "user-q"},
		Feature:  FeatureChatCompletion,
		Quantity: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.CreditsRemaining)
}

func TestDebitUntilExhausted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	actor := Actor{UserID: "user-2"}

	// 种子 10、单价 3：三次成功 10 → 7 → 4 → 1
	for i, want := range []int64{7, 4, 1} {
		result, err := svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
		require.NoError(t, err, "debit %d", i)
		assert.Equal(t, want, result.CreditsRemaining)
	}

	// 第四次余额 1 < 3，拒绝且不产生任何部分效果
	_, err := svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(3), insufficient.Required)
	assert.Equal(t, int64(1), insufficient.Available)

	// 被拒绝的扣费不留流水，余额不动
	count, err := svc.Count(ctx, &UsageRecord{}, "tenant_key = ?", "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	balance, err := svc.GetBalance(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Credits)

	// 补偿退款一次后 1 + 3 = 4
	refund, err := svc.Refund(ctx, &RefundRequest{Actor: actor, Feature: FeatureChatCompletion, Reason: "render failed"})
	require.NoError(t, err)
	assert.True(t, refund.Applied)
	assert.Equal(t, int64(4), refund.CreditsRemaining)
}

func TestDebitUnresolvedActor(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Debit(ctx, &DebitRequest{Actor: Actor{}, Feature: FeatureChatCompletion})
	assert.ErrorIs(t, err, ErrUnresolvedTenant)
}

func TestDebitIdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	actor := Actor{UserID: "user-3"}
	req := &DebitRequest{
		Actor:          actor,
		Feature:        FeatureChatCompletion,
		IdempotencyKey: "retry-abc",
	}

	first, err := svc.Debit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), first.CreditsRemaining)

	// 网络重试携带同一令牌：no-op，返回同一条流水
	second, err := svc.Debit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.Equal(t, int64(7), second.CreditsRemaining)

	var count int64
	require.NoError(t, db.Model(&UsageRecord{}).Where("tenant_key = ?", "user-3").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRefundRestoresBalance(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	actor := Actor{UserID: "user-4"}

	_, err := svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.NoError(t, err)

	result, err := svc.Refund(ctx, &RefundRequest{
		Actor:   actor,
		Feature: FeatureChatCompletion,
		Reason:  "provider timeout",
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(10), result.CreditsRemaining)

	// 退款流水为负值并带 refund 标记
	var record UsageRecord
	require.NoError(t, db.First(&record, "id = ?", result.RecordID).Error)
	assert.Equal(t, RecordKindRefund, record.Kind)
	assert.Equal(t, int64(-3), record.Credits)

	meta, err := MetadataFromJSON(record.Metadata)
	require.NoError(t, err)
	require.NotNil(t, meta.Refund)
	assert.True(t, meta.Refund.Refund)
	assert.Equal(t, "provider timeout", meta.Refund.Reason)
}

func TestRefundFailsQuiet(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	// 制造存储层故障
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	// 退款失败只记日志，不向上抛错，避免掩盖触发退款的原始错误
	result, err := svc.Refund(ctx, &RefundRequest{
		Actor:   Actor{UserID: "user-5"},
		Feature: FeatureChatCompletion,
		Reason:  "downstream failed",
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)
}

func TestRefundIdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	actor := Actor{UserID: "user-6"}

	_, err := svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.NoError(t, err)

	req := &RefundRequest{
		Actor:          actor,
		Feature:        FeatureChatCompletion,
		Reason:         "canceled",
		IdempotencyKey: "refund-xyz",
	}

	first, err := svc.Refund(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := svc.Refund(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Applied)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.RecordID, second.RecordID)

	// 重复退款不会二次回补
	balance, err := svc.GetBalance(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Credits)
}

func TestGrantTopsUp(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	actor := Actor{UserID: "user-7"}

	result, err := svc.Grant(ctx, &GrantRequest{
		Actor:      actor,
		Amount:     40,
		Note:       "monthly top-up",
		OperatorID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), result.CreditsRemaining)

	// 发放流水记负值，保持 余额 = 种子 - 流水之和 的对账不变式
	var record UsageRecord
	require.NoError(t, db.First(&record, "id = ?", result.RecordID).Error)
	assert.Equal(t, RecordKindGrant, record.Kind)
	assert.Equal(t, int64(-40), record.Credits)

	meta, err := MetadataFromJSON(record.Metadata)
	require.NoError(t, err)
	require.NotNil(t, meta.Grant)
	assert.Equal(t, "admin-1", meta.Grant.OperatorID)
}

func TestGrantRejectsInvalidAmount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Grant(ctx, &GrantRequest{Actor: Actor{UserID: "u"}, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Grant(ctx, &GrantRequest{Actor: Actor{UserID: "u"}, Amount: -5})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestOrgSharedPool(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// 同一组织的不同成员扣同一个共享池（组织种子 50）
	alice := Actor{UserID: "alice", OrgID: "org-1"}
	bob := Actor{UserID: "bob", OrgID: "org-1"}

	first, err := svc.Debit(ctx, &DebitRequest{Actor: alice, Feature: FeatureChatCompletion})
	require.NoError(t, err)
	assert.Equal(t, int64(47), first.CreditsRemaining)

	second, err := svc.Debit(ctx, &DebitRequest{Actor: bob, Feature: FeatureChatCompletion})
	require.NoError(t, err)
	assert.Equal(t, int64(44), second.CreditsRemaining)

	// 流水记录的是触发操作的成员
	records, total, err := svc.ListRecords(ctx, alice, &RecordQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	actors := []string{records[0].ActorID, records[1].ActorID}
	assert.ElementsMatch(t, []string{"alice", "bob"}, actors)
}

func TestAuditCompleteness(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	actor := Actor{UserID: "user-8"}

	_, err := svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.NoError(t, err)
	refund, err := svc.Refund(ctx, &RefundRequest{Actor: actor, Feature: FeatureChatCompletion, Reason: "oops"})
	require.NoError(t, err)
	require.True(t, refund.Applied)
	_, err = svc.Grant(ctx, &GrantRequest{Actor: actor, Amount: 15, OperatorID: "admin"})
	require.NoError(t, err)

	// 余额 = 种子 - 流水之和
	ref := TenantRef{Kind: TenantKindUser, Key: "user-8"}
	sum, err := NewAuditLog(db).SumCredits(ctx, ref)
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(10)-sum, balance.Credits)
	assert.Equal(t, int64(22), balance.Credits) // 10 - 3 - 3 + 3 + 15
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	actor := Actor{UserID: "user-9"}

	// 预先开户，避免并发 Ensure 干扰计数
	_, err := svc.GetBalance(ctx, actor)
	require.NoError(t, err)

	// 种子 10、单价 3：8 个并发扣费最多 3 个成功
	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientCredits)
	}
	assert.Equal(t, 3, succeeded)

	balance, err := svc.GetBalance(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Credits)
	assert.GreaterOrEqual(t, balance.Credits, int64(0))

	var count int64
	require.NoError(t, db.Model(&UsageRecord{}).Where("tenant_key = ?", "user-9").Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestValidatePreCheck(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	actor := Actor{UserID: "user-10"}

	t.Run("未开户按种子额度估算", func(t *testing.T) {
		result, err := svc.Validate(ctx, actor, FeatureChatCompletion, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(10), result.Available)
		assert.Equal(t, int64(3), result.Needed)
		assert.True(t, result.Sufficient)
	})

	t.Run("余额不足时提前拒绝", func(t *testing.T) {
		// 消耗到 1
		for i := 0; i < 3; i++ {
			_, err := svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
			require.NoError(t, err)
		}

		result, err := svc.Validate(ctx, actor, FeatureChatCompletion, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Available)
		assert.False(t, result.Sufficient)
	})
}

func TestWarnThresholdTouched(t *testing.T) {
	ctx := context.Background()
	db := setupLedgerTestDB(t)
	registry := NewCostRegistry(
		WithCostOverrides(map[string]int64{"chat_completion": 3}),
		WithSeedCredits(10, 50),
		WithWarnThreshold(5),
	)
	svc := NewService(db, registry)
	actor := Actor{UserID: "user-warn"}

	// 10 → 7：高于阈值，不预警
	_, err := svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, actor)
	require.NoError(t, err)
	assert.Nil(t, balance.LastWarnAt)

	// 7 → 4：跌破阈值 5，记录预警时间
	_, err = svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.NoError(t, err)

	balance, err = svc.GetBalance(ctx, actor)
	require.NoError(t, err)
	assert.NotNil(t, balance.LastWarnAt)
}

func TestExportRecordsCSV(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	actor := Actor{UserID: "user-csv"}

	_, err := svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.NoError(t, err)

	content, err := svc.ExportRecordsCSV(ctx, actor, &RecordQuery{})
	require.NoError(t, err)
	assert.Contains(t, content, "chat_completion")
	assert.Contains(t, content, "user-csv")
}

func TestDebitStorageFailureIsLoud(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	actor := Actor{UserID: "user-loud"}

	// 先正常开户
	_, err := svc.GetBalance(ctx, actor)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	// 与退款相反：扣费的存储层故障必须向上抛出
	_, err = svc.Debit(ctx, &DebitRequest{Actor: actor, Feature: FeatureChatCompletion})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInsufficientCredits))
}

func TestSeparateTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// 个人上下文与组织上下文是两个独立的池
	personal := Actor{UserID: "carol"}
	orgCtx := Actor{UserID: "carol", OrgID: "org-2"}

	_, err := svc.Debit(ctx, &DebitRequest{Actor: personal, Feature: FeatureChatCompletion})
	require.NoError(t, err)

	orgBalance, err := svc.GetBalance(ctx, orgCtx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), orgBalance.Credits)

	personalBalance, err := svc.GetBalance(ctx, personal)
	require.NoError(t, err)
	assert.Equal(t, int64(7), personalBalance.Credits)
}

func TestEnsureConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	// 并发首次使用只建立一行余额
	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.GetBalance(ctx, Actor{UserID: "first-use"})
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.Model(&Balance{}).Where("tenant_key = ?", "first-use").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	balance, err := svc.GetBalance(ctx, Actor{UserID: "first-use"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Credits)
}

func TestNeededMinimumQuantity(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// quantity 0 按 1 计
	result, err := svc.Debit(ctx, &DebitRequest{
		Actor:    Actor{UserID: "user-min"},
		Feature:  FeatureChatCompletion,
		Quantity: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.CreditsRemaining)
}
