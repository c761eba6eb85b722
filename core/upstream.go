package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gemini-gateway/core/adapter"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultGoogleAPIHost 上游默认地址，可用 GOOGLE_API_HOST 覆盖
const DefaultGoogleAPIHost = "https://generativelanguage.googleapis.com"

// DefaultHealthCheckModel 健康探测用的廉价模型，可用 HEALTH_CHECK_MODEL 覆盖
const DefaultHealthCheckModel = "gemini-2.0-flash"

// UpstreamError 单次上游调用的 HTTP 层失败
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// GeminiClient Gemini API 客户端，凭证以 query 参数携带
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	settings   SettingsReader
	logger     *logrus.Logger
}

// NewGeminiClient 构造上游客户端
func NewGeminiClient(httpClient *http.Client, settings SettingsReader, logger *logrus.Logger) *GeminiClient {
	baseURL := DefaultGoogleAPIHost
	if host, ok := settings.GetSetting("GOOGLE_API_HOST"); ok && host != "" {
		baseURL = strings.TrimSuffix(host, "/")
	}
	return &GeminiClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		settings:   settings,
		logger:     logger,
	}
}

// endpoint 拼接 /v1beta/models/<model>:<action>?key=<key>
func (g *GeminiClient) endpoint(key, model, action string, extra url.Values) string {
	u := fmt.Sprintf("%s/v1beta/models/%s:%s", g.baseURL, model, action)
	q := url.Values{}
	q.Set("key", key)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return u + "?" + q.Encode()
}

func (g *GeminiClient) post(ctx context.Context, targetURL string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return g.httpClient.Do(req)
}

// decodeOrFail 非 200 响应转为 UpstreamError，错误信息用 gjson 从响应体里捞
func decodeOrFail(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return upstreamErrorFromBody(resp.StatusCode, bodyBytes)
	}

	return json.Unmarshal(bodyBytes, out)
}

func upstreamErrorFromBody(status int, body []byte) *UpstreamError {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
		if len(message) > 200 {
			message = message[:200]
		}
	}
	return &UpstreamError{StatusCode: status, Message: message}
}

// GenerateContent 非流式生成
func (g *GeminiClient) GenerateContent(ctx context.Context, key, model string, req *adapter.GeminiRequest) (*adapter.GeminiResponse, error) {
	resp, err := g.post(ctx, g.endpoint(key, model, "generateContent", nil), req)
	if err != nil {
		return nil, err
	}

	var out adapter.GeminiResponse
	if err := decodeOrFail(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamGenerateContent 流式生成，返回原生 JSON 字节流
// 响应体交给 StreamTranscoder 消费，调用方负责 Close
func (g *GeminiClient) StreamGenerateContent(ctx context.Context, key, model string, req *adapter.GeminiRequest) (io.ReadCloser, error) {
	resp, err := g.post(ctx, g.endpoint(key, model, "streamGenerateContent", nil), req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, upstreamErrorFromBody(resp.StatusCode, bodyBytes)
	}

	return resp.Body, nil
}

// EmbedContent 向量生成
func (g *GeminiClient) EmbedContent(ctx context.Context, key, model string, req *adapter.GeminiEmbeddingRequest) (*adapter.GeminiEmbeddingResponse, error) {
	resp, err := g.post(ctx, g.endpoint(key, model, "embedContent", nil), req)
	if err != nil {
		return nil, err
	}

	var out adapter.GeminiEmbeddingResponse
	if err := decodeOrFail(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateImage 图片生成
func (g *GeminiClient) GenerateImage(ctx context.Context, key, model string, req *adapter.GeminiImageRequest) (*adapter.GeminiImageResponse, error) {
	resp, err := g.post(ctx, g.endpoint(key, model, "generateImage", nil), req)
	if err != nil {
		return nil, err
	}

	var out adapter.GeminiImageResponse
	if err := decodeOrFail(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateSpeech 语音合成，返回原始音频字节
func (g *GeminiClient) GenerateSpeech(ctx context.Context, key, model string, req *adapter.GeminiSpeechRequest) ([]byte, error) {
	resp, err := g.post(ctx, g.endpoint(key, model, "generateSpeech", nil), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamErrorFromBody(resp.StatusCode, bodyBytes)
	}
	return bodyBytes, nil
}

// ListModels 模型列表
func (g *GeminiClient) ListModels(ctx context.Context, key string) (*adapter.GeminiModelList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1beta/models?key=%s", g.baseURL, url.QueryEscape(key)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	var out adapter.GeminiModelList
	if err := decodeOrFail(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RawCall Gemini 原生透传：路径和 query 原样转发，只注入凭证
func (g *GeminiClient) RawCall(ctx context.Context, key, model, action string, query url.Values, body []byte) (*http.Response, error) {
	targetURL := g.endpoint(key, model, action, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, upstreamErrorFromBody(resp.StatusCode, bodyBytes)
	}
	return resp, nil
}

// Probe 实现 Prober：对廉价模型发一次最小生成调用
func (g *GeminiClient) Probe(ctx context.Context, key string) error {
	model := DefaultHealthCheckModel
	if m, ok := g.settings.GetSetting("HEALTH_CHECK_MODEL"); ok && m != "" {
		model = m
	}

	probe := &adapter.GeminiRequest{
		Contents: []adapter.GeminiContent{
			{Role: "user", Parts: []adapter.GeminiPart{{Text: "ping"}}},
		},
		GenerationConfig: &adapter.GeminiConfig{MaxOutputTokens: 1},
	}

	_, err := g.GenerateContent(ctx, key, model, probe)
	return err
}
