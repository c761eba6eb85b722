package adapter

import (
	"strings"
	"time"

	"gemini-gateway/models"

	"github.com/google/uuid"
)

// 本包只做纯转换：不做 I/O，对格式不完整的上游载荷降级为零值而不是报错

// ChatRequestToGemini 将 OpenAI 聊天请求转换为 Gemini 请求
// 所有 system 消息按原顺序拼接 (换行连接) 进 systemInstruction，
// 其余消息 assistant -> model / user -> user，顺序保留
func ChatRequestToGemini(req models.ChatCompletionRequest) *GeminiRequest {
	out := &GeminiRequest{
		Contents: make([]GeminiContent, 0, len(req.Messages)),
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.StringContent())
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		out.Contents = append(out.Contents, GeminiContent{
			Role:  role,
			Parts: partsFromMessage(msg),
		})
	}

	if len(systemParts) > 0 {
		out.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: strings.Join(systemParts, "\n")}},
		}
	}

	out.GenerationConfig = configFromRequest(req)
	return out
}

// partsFromMessage 把单条消息转换为 parts 序列
// 字符串内容产生单个文本 part；多模态数组里的 data: 图片转为 inline_data
func partsFromMessage(msg models.ChatMessage) []GeminiPart {
	if str, ok := msg.Content.(string); ok {
		return []GeminiPart{{Text: str}}
	}

	listContent, ok := msg.Content.([]interface{})
	if !ok {
		return []GeminiPart{{Text: msg.StringContent()}}
	}

	parts := make([]GeminiPart, 0, len(listContent))
	for _, item := range listContent {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		typeVal, _ := itemMap["type"].(string)
		switch typeVal {
		case "text":
			if textVal, ok := itemMap["text"].(string); ok {
				parts = append(parts, GeminiPart{Text: textVal})
			}
		case "image_url":
			imageURLMap, ok := itemMap["image_url"].(map[string]interface{})
			if !ok {
				continue
			}
			urlVal, ok := imageURLMap["url"].(string)
			if !ok || !strings.HasPrefix(urlVal, "data:") {
				continue
			}
			segments := strings.SplitN(urlVal, ",", 2)
			if len(segments) != 2 {
				continue
			}
			mimeType := strings.TrimSuffix(strings.TrimPrefix(segments[0], "data:"), ";base64")
			parts = append(parts, GeminiPart{
				InlineData: &GeminiInlineData{
					MimeType: mimeType,
					Data:     segments[1],
				},
			})
		}
	}
	return parts
}

func configFromRequest(req models.ChatCompletionRequest) *GeminiConfig {
	config := &GeminiConfig{}
	if req.Temperature != nil {
		config.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		config.TopP = *req.TopP
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = *req.MaxTokens
	}
	if req.Stop != nil {
		if s, ok := req.Stop.(string); ok {
			config.StopSequences = []string{s}
		} else if arr, ok := req.Stop.([]interface{}); ok {
			for _, s := range arr {
				if str, ok := s.(string); ok {
					config.StopSequences = append(config.StopSequences, str)
				}
			}
		}
	}
	return config
}

// NewCompletionID 生成抗碰撞的响应 ID
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// GeminiToChatResponse 将 Gemini 响应转换为 OpenAI 聊天响应
// model 由调用方提供，Gemini 响应里不携带模型名；
// 零候选是合法状态：choices 为空但 usage 照常填充
func GeminiToChatResponse(resp *GeminiResponse, model string) models.ChatCompletionResponse {
	out := models.ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChoice{},
		Usage:   usageFromMetadata(resp.UsageMetadata),
	}

	if len(resp.Candidates) == 0 {
		return out
	}

	candidate := resp.Candidates[0]
	out.Choices = append(out.Choices, models.ChatCompletionChoice{
		Index: 0,
		Message: &models.ChatMessage{
			Role:    "assistant",
			Content: firstTextPart(candidate.Content.Parts),
		},
		FinishReason: MapFinishReason(candidate.FinishReason),
	})
	return out
}

// firstTextPart 返回第一个文本 part 的内容
func firstTextPart(parts []GeminiPart) string {
	for _, p := range parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

// usageFromMetadata 缺失的计数一律按 0 处理
func usageFromMetadata(usage *GeminiUsage) *models.ChatCompletionUsage {
	if usage == nil {
		return &models.ChatCompletionUsage{}
	}
	return &models.ChatCompletionUsage{
		PromptTokens:     usage.PromptTokenCount,
		CompletionTokens: usage.CandidatesTokenCount,
		TotalTokens:      usage.TotalTokenCount,
	}
}

// MapFinishReason Gemini -> OpenAI 结束原因映射
// 未知原因 (包括 OTHER) 一律按 stop 处理
func MapFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// GeminiModelsToOpenAI 将 Gemini 模型列表转换为 OpenAI /v1/models 格式
func GeminiModelsToOpenAI(list *GeminiModelList) models.ModelList {
	out := models.ModelList{
		Object: "list",
		Data:   make([]models.ModelInfo, 0, len(list.Models)),
	}
	created := time.Now().Unix()
	for _, m := range list.Models {
		out.Data = append(out.Data, models.ModelInfo{
			ID:      strings.TrimPrefix(m.Name, "models/"),
			Object:  "model",
			Created: created,
			OwnedBy: "google",
		})
	}
	return out
}
