package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataValidate(t *testing.T) {
	t.Run("标签与分支一致", func(t *testing.T) {
		m := &UsageMetadata{
			Kind: MetadataKindChat,
			Chat: &ChatContext{Provider: "openai", Model: "gpt-4o", PromptTokens: 120, CompletionTokens: 80},
		}
		assert.NoError(t, m.Validate())
	})

	t.Run("标签缺少对应分支", func(t *testing.T) {
		m := &UsageMetadata{Kind: MetadataKindImage}
		assert.Error(t, m.Validate())
	})

	t.Run("未知标签", func(t *testing.T) {
		m := &UsageMetadata{Kind: MetadataKind("mystery")}
		assert.Error(t, m.Validate())
	})

	t.Run("空标签允许", func(t *testing.T) {
		m := &UsageMetadata{}
		assert.NoError(t, m.Validate())
	})
}

func TestMetadataMarkRefund(t *testing.T) {
	original := &UsageMetadata{
		Kind: MetadataKindVideo,
		Video: &VideoContext{Model: "runway", DurationSeconds: 10, Resolution: "1080p"},
	}

	marked := original.MarkRefund("provider timeout")

	require.NotNil(t, marked.Refund)
	assert.True(t, marked.Refund.Refund)
	assert.Equal(t, "provider timeout", marked.Refund.Reason)
	// 原始上下文原样保留
	assert.Equal(t, original.Video, marked.Video)
	// 返回副本，不污染扣费时的原始 metadata
	assert.Nil(t, original.Refund)
}

func TestMetadataMarkRefundOnNil(t *testing.T) {
	var m *UsageMetadata

	marked := m.MarkRefund("canceled")
	require.NotNil(t, marked)
	require.NotNil(t, marked.Refund)
	assert.True(t, marked.Refund.Refund)
}

func TestMetadataJSONRoundTrip(t *testing.T) {
	m := &UsageMetadata{
		Kind: MetadataKindDoc,
		Doc:  &DocContext{SourceType: "pdf", Pages: 42},
	}

	raw, err := m.ToJSON()
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	back, err := MetadataFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Kind, back.Kind)
	assert.Equal(t, m.Doc, back.Doc)
}

func TestMetadataToJSONNil(t *testing.T) {
	var m *UsageMetadata

	raw, err := m.ToJSON()
	require.NoError(t, err)
	assert.Nil(t, raw)

	back, err := MetadataFromJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, back)
}

func TestMetadataToJSONRejectsInvalid(t *testing.T) {
	m := &UsageMetadata{Kind: MetadataKindGrant}

	_, err := m.ToJSON()
	assert.Error(t, err)
}
