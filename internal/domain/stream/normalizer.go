package stream

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	applog "chatrelay/internal/platform/log"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	// 单行上限；部分上游会把较长的 candidates 放在同一行
	maxLineBytes = 1024 * 1024
)

// FromResponse 处理一次上游 HTTP 响应。
// 非 200 时读取完整响应体并发送单个 CodeUpstream 错误；否则按 SSE 解析。
// 调用方负责关闭 resp.Body。
func FromResponse(ctx context.Context, resp *http.Response, out chan<- Event) {
	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			applog.Warn("[Stream] ⚠️ Failed to read upstream error body", "status", resp.StatusCode, "error", err)
		}
		applog.Warn("[Stream] ❌ Upstream returned error",
			"status", resp.StatusCode,
			"body_preview", applog.Preview(string(body), 200),
		)
		send(ctx, out, Failure(UpstreamError(resp.StatusCode, strings.TrimSpace(string(body)))))
		return
	}
	Normalize(ctx, resp.Body, out)
}

// Normalize 逐行读取 SSE 流并发送归一化事件。
//
//   - 只处理 "data:" 前缀行，其余行忽略；
//   - "data: [DONE]" 立即结束，发送 Done(sentinel=true)；
//   - 无法解析或不含文本的数据行跳过，只记 debug 日志；
//   - 读取失败发送一个分类后的 Error 并结束，之后不再发送任何 Delta；
//   - 流在没有 [DONE] 的情况下关闭，发送 Done(sentinel=false)。
//
// ctx 取消后停止读取，不保证发送终止事件。
func Normalize(ctx context.Context, body io.Reader, out chan<- Event) {
	var full strings.Builder
	deltas, skipped := 0, 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		payload, ok := dataPayload(scanner.Text())
		if !ok {
			continue
		}
		if payload == doneSentinel {
			applog.Debug("[Stream] Received [DONE]", "deltas", deltas, "skipped", skipped)
			send(ctx, out, Done(full.String(), true))
			return
		}

		text, shape, err := decodeChunk([]byte(payload))
		if err != nil {
			skipped++
			applog.Debug("[Stream] Skipping chunk", "reason", err, "payload_preview", applog.Preview(payload, 120))
			continue
		}
		if text == "" {
			applog.Debug("[Stream] Chunk without text", "shape", shape)
			continue
		}

		full.WriteString(text)
		deltas++
		if !send(ctx, out, Delta(text)) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		streamErr := ClassifyTransportError(err, CodeStreamRead)
		applog.Warn("[Stream] ❌ Read failed", "code", streamErr.Code, "deltas", deltas, "error", err)
		send(ctx, out, Failure(streamErr))
		return
	}

	applog.Debug("[Stream] Upstream closed without [DONE]", "deltas", deltas, "skipped", skipped)
	send(ctx, out, Done(full.String(), false))
}

// dataPayload 提取 data 行的负载（去掉前缀及首尾空白）
func dataPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" {
		return "", false
	}
	return payload, true
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
