package ledger

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// ============================================================================
// 结构化上下文
// ============================================================================

// MetadataKind 上下文类型标签
type MetadataKind string

const (
	MetadataKindChat  MetadataKind = "chat"
	MetadataKindImage MetadataKind = "image"
	MetadataKindVideo MetadataKind = "video"
	MetadataKindDoc   MetadataKind = "doc"
	MetadataKindGrant MetadataKind = "grant"
)

// UsageMetadata 流水的结构化上下文
// 封闭的按功能打标变体：每种功能的上下文形状在编译期已知，
// 落库时序列化为不透明的 JSON 负载。
type UsageMetadata struct {
	Kind  MetadataKind   `json:"kind"`
	Chat  *ChatContext   `json:"chat,omitempty"`
	Image *ImageContext  `json:"image,omitempty"`
	Video *VideoContext  `json:"video,omitempty"`
	Doc   *DocContext    `json:"doc,omitempty"`
	Grant *GrantContext  `json:"grant,omitempty"`

	// Refund 退款补偿标记，仅出现在 refund 流水上
	Refund *RefundContext `json:"refundInfo,omitempty"`
}

// ChatContext 对话补全上下文
type ChatContext struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// ImageContext 图片生成上下文
type ImageContext struct {
	Model  string `json:"model"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Count  int    `json:"count"`
}

// VideoContext 视频渲染上下文
type VideoContext struct {
	Model           string `json:"model"`
	DurationSeconds int    `json:"durationSeconds"`
	Resolution      string `json:"resolution"`
}

// DocContext 文档解析上下文
type DocContext struct {
	SourceType string `json:"sourceType"` // pdf, epub, txt
	Pages      int    `json:"pages"`
}

// GrantContext 发放上下文
type GrantContext struct {
	OperatorID string `json:"operatorId"`
	Note       string `json:"note"`
}

// RefundContext 退款标记
type RefundContext struct {
	Refund bool   `json:"refund"` // 恒为 true，保持流水可按 metadata 过滤
	Reason string `json:"reason"`
}

// Validate 校验标签与变体分支一致
func (m *UsageMetadata) Validate() error {
	switch m.Kind {
	case MetadataKindChat:
		if m.Chat == nil {
			return fmt.Errorf("metadata kind %q missing chat context", m.Kind)
		}
	case MetadataKindImage:
		if m.Image == nil {
			return fmt.Errorf("metadata kind %q missing image context", m.Kind)
		}
	case MetadataKindVideo:
		if m.Video == nil {
			return fmt.Errorf("metadata kind %q missing video context", m.Kind)
		}
	case MetadataKindDoc:
		if m.Doc == nil {
			return fmt.Errorf("metadata kind %q missing doc context", m.Kind)
		}
	case MetadataKindGrant:
		if m.Grant == nil {
			return fmt.Errorf("metadata kind %q missing grant context", m.Kind)
		}
	case "":
		// 允许空标签：调用方未附带业务上下文（例如纯退款流水）
	default:
		return fmt.Errorf("unknown metadata kind %q", m.Kind)
	}
	return nil
}

// MarkRefund 返回附加了退款标记的副本
func (m *UsageMetadata) MarkRefund(reason string) *UsageMetadata {
	out := UsageMetadata{}
	if m != nil {
		out = *m
	}
	out.Refund = &RefundContext{Refund: true, Reason: reason}
	return &out
}

// ToJSON 序列化为存储边界的不透明负载
func (m *UsageMetadata) ToJSON() (datatypes.JSON, error) {
	if m == nil {
		return nil, nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("序列化流水上下文失败: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// MetadataFromJSON 从存储负载还原结构化上下文
func MetadataFromJSON(raw datatypes.JSON) (*UsageMetadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m UsageMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("解析流水上下文失败: %w", err)
	}
	return &m, nil
}
