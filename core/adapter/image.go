package adapter

import (
	"time"

	"gemini-gateway/models"
)

// ImageRequestToGemini 将 OpenAI 图片生成请求转换为上游格式
func ImageRequestToGemini(req models.ImageGenerationRequest) *GeminiImageRequest {
	return &GeminiImageRequest{
		Prompt: req.Prompt,
		N:      req.N,
		Size:   req.Size,
	}
}

// GeminiToImageResponse URL 数组原样拷贝，顺序和数量保持
func GeminiToImageResponse(resp *GeminiImageResponse) models.ImageGenerationResponse {
	out := models.ImageGenerationResponse{
		Created: time.Now().Unix(),
		Data:    make([]models.ImageData, 0, len(resp.Data)),
	}
	for _, image := range resp.Data {
		out.Data = append(out.Data, models.ImageData{URL: image.URL})
	}
	return out
}

// SpeechRequestToGemini 将 OpenAI 语音合成请求转换为上游格式
// 响应是二进制音频，直接透传，无需反向转换
func SpeechRequestToGemini(req models.SpeechRequest) *GeminiSpeechRequest {
	return &GeminiSpeechRequest{
		Input: req.Input,
		Voice: req.Voice,
	}
}
