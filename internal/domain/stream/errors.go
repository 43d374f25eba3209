package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Code 错误分类
type Code string

const (
	CodeUpstream   Code = "upstream_error"    // 上游返回非 200
	CodeTimeout    Code = "timeout"           // 连接或读取超时
	CodeConnection Code = "connection_error"  // 建连失败、连接被重置、意外 EOF
	CodeCanceled   Code = "canceled"          // 调用方取消
	CodeStreamRead Code = "stream_read_error" // 其他读取失败
)

var (
	// ErrMalformedChunk 数据行不是合法 JSON（内部使用，跳过即可）
	ErrMalformedChunk = errors.New("malformed stream chunk")
	// ErrUnrecognizedChunk JSON 合法但不属于任何已知格式
	ErrUnrecognizedChunk = errors.New("unrecognized stream chunk")
)

// Error 终止错误事件的负载
type Error struct {
	Code    Code
	Status  int    // 仅 CodeUpstream 有效
	Message string // 上游响应体或底层错误描述
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// UpstreamError 构造非 200 响应对应的错误
func UpstreamError(status int, body string) *Error {
	return &Error{Code: CodeUpstream, Status: status, Message: body}
}

// ClassifyTransportError 将传输层错误归类；无法识别时使用 fallback。
func ClassifyTransportError(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	code := fallback
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		code = CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		code = CodeTimeout
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		code = CodeConnection
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}
