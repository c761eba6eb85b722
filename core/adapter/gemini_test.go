package adapter

import (
	"testing"

	"gemini-gateway/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestChatRequestToGeminiRoles(t *testing.T) {
	req := models.ChatCompletionRequest{
		Model: "gemini-2.0-flash",
		Messages: []models.ChatMessage{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "system", Content: "Answer in English."},
			{Role: "user", Content: "bye"},
		},
	}

	out := ChatRequestToGemini(req)

	// system 消息拼进 systemInstruction，非 system 消息顺序不变
	require.NotNil(t, out.SystemInstruction)
	require.Len(t, out.SystemInstruction.Parts, 1)
	assert.Equal(t, "You are terse.\nAnswer in English.", out.SystemInstruction.Parts[0].Text)

	require.Len(t, out.Contents, 3)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "hi", out.Contents[0].Parts[0].Text)
	assert.Equal(t, "model", out.Contents[1].Role)
	assert.Equal(t, "hello", out.Contents[1].Parts[0].Text)
	assert.Equal(t, "user", out.Contents[2].Role)
	assert.Equal(t, "bye", out.Contents[2].Parts[0].Text)
}

func TestChatRequestToGeminiNoSystem(t *testing.T) {
	req := models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}

	out := ChatRequestToGemini(req)
	assert.Nil(t, out.SystemInstruction)
}

func TestChatRequestToGeminiMultimodal(t *testing.T) {
	req := models.ChatCompletionRequest{
		Messages: []models.ChatMessage{
			{
				Role: "user",
				Content: []interface{}{
					map[string]interface{}{"type": "text", "text": "describe this"},
					map[string]interface{}{
						"type": "image_url",
						"image_url": map[string]interface{}{
							"url": "data:image/png;base64,iVBORw0KGgo=",
						},
					},
					map[string]interface{}{
						"type": "image_url",
						"image_url": map[string]interface{}{
							"url": "https://example.com/remote.png",
						},
					},
				},
			},
		},
	}

	out := ChatRequestToGemini(req)

	require.Len(t, out.Contents, 1)
	parts := out.Contents[0].Parts
	// 远程 URL 不支持内联，静默跳过
	require.Len(t, parts, 2)
	assert.Equal(t, "describe this", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
	assert.Equal(t, "iVBORw0KGgo=", parts[1].InlineData.Data)
}

func TestChatRequestToGeminiConfig(t *testing.T) {
	req := models.ChatCompletionRequest{
		Temperature: floatPtr(0.7),
		TopP:        floatPtr(0.9),
		MaxTokens:   intPtr(256),
		Stop:        []interface{}{"END", "STOP"},
		Messages:    []models.ChatMessage{{Role: "user", Content: "hi"}},
	}

	out := ChatRequestToGemini(req)

	require.NotNil(t, out.GenerationConfig)
	assert.Equal(t, 0.7, out.GenerationConfig.Temperature)
	assert.Equal(t, 0.9, out.GenerationConfig.TopP)
	assert.Equal(t, 256, out.GenerationConfig.MaxOutputTokens)
	assert.Equal(t, []string{"END", "STOP"}, out.GenerationConfig.StopSequences)
}

func TestChatRequestToGeminiStopString(t *testing.T) {
	req := models.ChatCompletionRequest{
		Stop:     "END",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}

	out := ChatRequestToGemini(req)
	assert.Equal(t, []string{"END"}, out.GenerationConfig.StopSequences)
}

func TestGeminiToChatResponse(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{
			{
				Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{Text: "answer"}}},
				FinishReason: "STOP",
			},
		},
		UsageMetadata: &GeminiUsage{PromptTokenCount: 5, CandidatesTokenCount: 7, TotalTokenCount: 12},
	}

	out := GeminiToChatResponse(resp, "gemini-2.0-flash")

	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "gemini-2.0-flash", out.Model)
	assert.True(t, len(out.ID) > len("chatcmpl-"))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
	assert.Equal(t, "answer", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 5, out.Usage.PromptTokens)
	assert.Equal(t, 7, out.Usage.CompletionTokens)
	assert.Equal(t, 12, out.Usage.TotalTokens)
}

func TestGeminiToChatResponseZeroCandidates(t *testing.T) {
	resp := &GeminiResponse{
		UsageMetadata: &GeminiUsage{PromptTokenCount: 5, TotalTokenCount: 5},
	}

	out := GeminiToChatResponse(resp, "gemini-2.0-flash")

	// 零候选合法：choices 为空但 usage 照常
	assert.Empty(t, out.Choices)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 5, out.Usage.PromptTokens)
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"STOP":       "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
		"OTHER":      "stop",
		"UNEXPECTED": "stop",
	}
	for in, want := range cases {
		assert.Equal(t, want, MapFinishReason(in), "reason %q", in)
	}
}

func TestGeminiModelsToOpenAI(t *testing.T) {
	list := &GeminiModelList{
		Models: []GeminiModelInfo{
			{Name: "models/gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash"},
			{Name: "gemini-embedding-001"},
		},
	}

	out := GeminiModelsToOpenAI(list)

	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 2)
	assert.Equal(t, "gemini-2.0-flash", out.Data[0].ID)
	assert.Equal(t, "gemini-embedding-001", out.Data[1].ID)
	assert.Equal(t, "google", out.Data[0].OwnedBy)
}

func TestEmbeddingConversion(t *testing.T) {
	req := models.EmbeddingRequest{Model: "gemini-embedding-001", Input: "hello world"}
	gReq := EmbeddingRequestToGemini(req)
	require.Len(t, gReq.Content.Parts, 1)
	assert.Equal(t, "hello world", gReq.Content.Parts[0].Text)

	multi := models.EmbeddingRequest{Input: []interface{}{"a", "b"}}
	gMulti := EmbeddingRequestToGemini(multi)
	assert.Equal(t, "a b", gMulti.Content.Parts[0].Text)

	resp := &GeminiEmbeddingResponse{Embedding: GeminiEmbedding{Values: []float64{0.1, 0.2}}}
	out := GeminiToEmbeddingResponse(resp, "gemini-embedding-001")
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 1)
	assert.Equal(t, []float64{0.1, 0.2}, out.Data[0].Embedding)
	assert.Equal(t, "gemini-embedding-001", out.Model)
}
