package adapter

import (
	"strings"

	"gemini-gateway/models"
)

// EmbeddingRequestToGemini 将 OpenAI 向量请求转换为 Gemini embedContent 请求
// 多条输入用空格连接成单个文本 part
func EmbeddingRequestToGemini(req models.EmbeddingRequest) *GeminiEmbeddingRequest {
	var text string
	switch input := req.Input.(type) {
	case string:
		text = input
	case []interface{}:
		segments := make([]string, 0, len(input))
		for _, item := range input {
			if s, ok := item.(string); ok {
				segments = append(segments, s)
			}
		}
		text = strings.Join(segments, " ")
	}

	return &GeminiEmbeddingRequest{
		Content: GeminiContent{
			Parts: []GeminiPart{{Text: text}},
		},
	}
}

// GeminiToEmbeddingResponse 将 Gemini 向量响应转换为 OpenAI 格式
// values 原样拷贝，顺序保持；Gemini 不提供向量调用的 token 统计
func GeminiToEmbeddingResponse(resp *GeminiEmbeddingResponse, model string) models.EmbeddingResponse {
	embedding := make([]float64, len(resp.Embedding.Values))
	copy(embedding, resp.Embedding.Values)

	return models.EmbeddingResponse{
		Object: "list",
		Data: []models.EmbeddingData{
			{
				Object:    "embedding",
				Embedding: embedding,
				Index:     0,
			},
		},
		Model: model,
		Usage: &models.ChatCompletionUsage{},
	}
}
