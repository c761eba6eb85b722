package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"gemini-gateway/core/adapter"
	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GatewayHandler OpenAI 兼容入口 + Gemini 原生透传
type GatewayHandler struct {
	orchestrator *RetryOrchestrator
	upstream     *GeminiClient
	logger       *logrus.Logger
}

// NewGatewayHandler 构造网关处理器
func NewGatewayHandler(orchestrator *RetryOrchestrator, upstream *GeminiClient, logger *logrus.Logger) *GatewayHandler {
	return &GatewayHandler{
		orchestrator: orchestrator,
		upstream:     upstream,
		logger:       logger,
	}
}

// ChatCompletions POST /v1/chat/completions
func (h *GatewayHandler) ChatCompletions(c *gin.Context) {
	var req models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidRequest(c, err)
		return
	}

	geminiReq := adapter.ChatRequestToGemini(req)
	reqBody, _ := json.Marshal(req)
	meta := RequestMeta{Model: req.Model, RequestBody: reqBody}

	if req.Stream {
		h.streamChatCompletion(c, req.Model, geminiReq, meta)
		return
	}

	resp, err := Execute(c.Request.Context(), h.orchestrator,
		func(ctx context.Context, cred Credential) (*adapter.GeminiResponse, error) {
			return h.upstream.GenerateContent(ctx, cred.Value, req.Model, geminiReq)
		}, meta)
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	c.JSON(http.StatusOK, adapter.GeminiToChatResponse(resp, req.Model))
}

// streamChatCompletion 流式路径：重试只覆盖建连，首字节之后的断流不再换 Key
func (h *GatewayHandler) streamChatCompletion(c *gin.Context, model string, geminiReq *adapter.GeminiRequest, meta RequestMeta) {
	body, err := Execute(c.Request.Context(), h.orchestrator,
		func(ctx context.Context, cred Credential) (io.ReadCloser, error) {
			return h.upstream.StreamGenerateContent(ctx, cred.Value, model, geminiReq)
		}, meta)
	if err != nil {
		writeGatewayError(c, err)
		return
	}
	defer body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	transcoder := adapter.NewStreamTranscoder(model, h.logger)
	if err := transcoder.Transcode(body, c.Writer); err != nil {
		// 已刷出的分片不回收；异常断流不补 [DONE]，客户端由此识别
		h.logger.Errorf("Stream aborted: %v", err)
	}
}

// Embeddings POST /v1/embeddings
func (h *GatewayHandler) Embeddings(c *gin.Context) {
	var req models.EmbeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidRequest(c, err)
		return
	}

	geminiReq := adapter.EmbeddingRequestToGemini(req)
	reqBody, _ := json.Marshal(req)

	resp, err := Execute(c.Request.Context(), h.orchestrator,
		func(ctx context.Context, cred Credential) (*adapter.GeminiEmbeddingResponse, error) {
			return h.upstream.EmbedContent(ctx, cred.Value, req.Model, geminiReq)
		}, RequestMeta{Model: req.Model, RequestBody: reqBody})
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	c.JSON(http.StatusOK, adapter.GeminiToEmbeddingResponse(resp, req.Model))
}

// ImageGenerations POST /v1/images/generations
func (h *GatewayHandler) ImageGenerations(c *gin.Context) {
	var req models.ImageGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidRequest(c, err)
		return
	}

	geminiReq := adapter.ImageRequestToGemini(req)
	reqBody, _ := json.Marshal(req)

	resp, err := Execute(c.Request.Context(), h.orchestrator,
		func(ctx context.Context, cred Credential) (*adapter.GeminiImageResponse, error) {
			return h.upstream.GenerateImage(ctx, cred.Value, req.Model, geminiReq)
		}, RequestMeta{Model: req.Model, RequestBody: reqBody})
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	c.JSON(http.StatusOK, adapter.GeminiToImageResponse(resp))
}

// Speech POST /v1/audio/speech，音频字节直接透传
func (h *GatewayHandler) Speech(c *gin.Context) {
	var req models.SpeechRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidRequest(c, err)
		return
	}

	geminiReq := adapter.SpeechRequestToGemini(req)
	reqBody, _ := json.Marshal(req)

	audio, err := Execute(c.Request.Context(), h.orchestrator,
		func(ctx context.Context, cred Credential) ([]byte, error) {
			return h.upstream.GenerateSpeech(ctx, cred.Value, req.Model, geminiReq)
		}, RequestMeta{Model: req.Model, RequestBody: reqBody})
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	c.Data(http.StatusOK, "audio/mpeg", audio)
}

// ListModels GET /v1/models
func (h *GatewayHandler) ListModels(c *gin.Context) {
	list, err := Execute(c.Request.Context(), h.orchestrator,
		func(ctx context.Context, cred Credential) (*adapter.GeminiModelList, error) {
			return h.upstream.ListModels(ctx, cred.Value)
		}, RequestMeta{Model: "models.list"})
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	c.JSON(http.StatusOK, adapter.GeminiModelsToOpenAI(list))
}

// NativeGenerate POST /v1beta/models/:modelAction
// Gemini 原生格式透传：请求体不转换，只做凭证注入和重试编排
// 路径段形如 "gemini-2.0-flash:streamGenerateContent"
func (h *GatewayHandler) NativeGenerate(c *gin.Context) {
	model, action, ok := strings.Cut(c.Param("modelAction"), ":")
	if !ok || model == "" || action == "" {
		writeInvalidRequest(c, errors.New("path must be models/{model}:{action}"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeInvalidRequest(c, err)
		return
	}

	query := c.Request.URL.Query()
	query.Del("key") // 客户端自带的 key 丢弃，由池统一注入

	resp, err := Execute(c.Request.Context(), h.orchestrator,
		func(ctx context.Context, cred Credential) (*http.Response, error) {
			return h.upstream.RawCall(ctx, cred.Value, model, action, query, body)
		}, RequestMeta{Model: model, RequestBody: body})
	if err != nil {
		writeGatewayError(c, err)
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Header("Content-Type", contentType)
	c.Status(resp.StatusCode)
	c.Writer.Flush()

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		h.logger.Warnf("Native passthrough interrupted: %v", err)
	}
}

func writeInvalidRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error: models.ErrorDetail{
			Message: "Invalid request body: " + err.Error(),
			Type:    "invalid_request_error",
		},
	})
}

// writeGatewayError 终态错误统一出口：稳定的 type 判别符 + 可读 message
func writeGatewayError(c *gin.Context, err error) {
	var upstreamErr *UpstreamError

	switch {
	case errors.Is(err, ErrNoWorkingCredential):
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: "All API keys are currently failing. Please check their validity or reset failure counts.",
				Type:    "server_error",
			},
		})
	case errors.Is(err, ErrInvalidRetryConfig):
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: err.Error(),
				Type:    "server_error",
			},
		})
	case errors.Is(err, context.Canceled):
		// 客户端已断开，写不出去，只收尾
		c.Abort()
	case errors.As(err, &upstreamErr):
		c.JSON(upstreamErr.StatusCode, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: upstreamErr.Message,
				Type:    "server_error",
			},
		})
	default:
		c.JSON(http.StatusBadGateway, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: err.Error(),
				Type:    "server_error",
			},
		})
	}
}
