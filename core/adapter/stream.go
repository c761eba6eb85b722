package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gemini-gateway/models"

	"github.com/sirupsen/logrus"
)

// doneEvent 流结束哨兵，仅在上游干净收尾时发出
const doneEvent = "data: [DONE]\n\n"

// StreamTranscoder 把上游的原生 JSON 字节流转换为 OpenAI 兼容的 SSE 流
// 上游分片是裸拼接的 JSON 值 (没有框架)，单个值可能被传输层任意切断，
// 未消费的尾部保留在 buffer 里等待后续分片无损拼回
//
// 单个实例只服务一次流式响应，不可并发使用
type StreamTranscoder struct {
	model   string
	id      string
	created int64
	buffer  []byte

	hasSentRole bool
	logger      *logrus.Logger
}

// NewStreamTranscoder 创建转换器，整个流共用同一个响应 ID
func NewStreamTranscoder(model string, logger *logrus.Logger) *StreamTranscoder {
	return &StreamTranscoder{
		model:   model,
		id:      NewCompletionID(),
		created: time.Now().Unix(),
		logger:  logger,
	}
}

// Feed 追加一块上游字节，返回当前可以发出的 SSE 输出
func (t *StreamTranscoder) Feed(chunk []byte) []byte {
	t.buffer = append(t.buffer, chunk...)
	return t.drain()
}

// Finish 冲刷缓冲区里残留的完整值，并追加终止哨兵
func (t *StreamTranscoder) Finish() []byte {
	out := t.drain()
	return append(out, []byte(doneEvent)...)
}

// Transcode 消费上游流并把转换结果写入 w
// 上游传输层错误导致的中断返回该错误且不发 [DONE]，
// 调用方由此区分“干净结束”和“异常断流”；已写出的分片不回收
func (t *StreamTranscoder) Transcode(r io.Reader, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if out := t.Feed(buf[:n]); len(out) > 0 {
				if _, werr := w.Write(out); werr != nil {
					return werr
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err == io.EOF {
			if _, werr := w.Write(t.Finish()); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// drain 反复从缓冲区提取完整的顶层 JSON 值并转换
// 找不到完整值时保留未消费的尾部，绝不解析被截断的值
func (t *StreamTranscoder) drain() []byte {
	var out bytes.Buffer

	for {
		start := bytes.IndexAny(t.buffer, "{[")
		if start < 0 {
			t.buffer = t.buffer[:0]
			break
		}

		end := findValueEnd(t.buffer, start)
		if end < 0 {
			// 值未完整，保留尾部等下一块
			t.buffer = t.buffer[start:]
			break
		}

		raw := t.buffer[start : end+1]
		t.emitValue(raw, &out)
		t.buffer = t.buffer[end+1:]
	}

	return out.Bytes()
}

// findValueEnd 返回自 start 开始的顶层 JSON 值的结束下标，未完整返回 -1
// 跟踪括号深度，字符串和转义内的括号不计
func findValueEnd(b []byte, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// emitValue 解析单个完整 JSON 值并写出转换后的 SSE 行
// 解析失败只记日志并丢弃该分片，不中断整个流
func (t *StreamTranscoder) emitValue(raw []byte, out *bytes.Buffer) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return
	}

	// 上游可能把多个分片包在一个数组里 (无 alt=sse 时的数组流)
	var fragments []GeminiResponse
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &fragments); err != nil {
			t.logger.Warnf("Dropping undecodable stream fragment: %v", err)
			return
		}
	} else {
		var single GeminiResponse
		if err := json.Unmarshal(trimmed, &single); err != nil {
			t.logger.Warnf("Dropping undecodable stream fragment: %v", err)
			return
		}
		fragments = []GeminiResponse{single}
	}

	for i := range fragments {
		if chunk, ok := t.convertFragment(&fragments[i]); ok {
			payload, err := json.Marshal(chunk)
			if err != nil {
				t.logger.Errorf("Failed to marshal stream chunk: %v", err)
				continue
			}
			fmt.Fprintf(out, "data: %s\n\n", payload)
		}
	}
}

// convertFragment 逐分片复用聊天响应的转换逻辑，产出 chat.completion.chunk
// 第一帧的 delta 携带 role；只有 usage 的尾分片产出空 choices 的 usage chunk
func (t *StreamTranscoder) convertFragment(resp *GeminiResponse) (*models.ChatCompletionResponse, bool) {
	chunk := &models.ChatCompletionResponse{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []models.ChatCompletionChoice{},
	}

	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		delta := &models.ChatMessage{
			Content: firstTextPart(candidate.Content.Parts),
		}
		if !t.hasSentRole {
			delta.Role = "assistant"
			t.hasSentRole = true
		}
		chunk.Choices = append(chunk.Choices, models.ChatCompletionChoice{
			Index:        0,
			Delta:        delta,
			FinishReason: MapFinishReason(candidate.FinishReason),
		})
		if resp.UsageMetadata != nil {
			chunk.Usage = usageFromMetadata(resp.UsageMetadata)
		}
		return chunk, true
	}

	if resp.UsageMetadata != nil {
		chunk.Usage = usageFromMetadata(resp.UsageMetadata)
		return chunk, true
	}

	return nil, false
}
