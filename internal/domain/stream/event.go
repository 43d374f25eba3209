// Package stream 把各家上游的 SSE 响应归一化为统一的 Delta / Error / Done 事件流。
package stream

// Kind 事件类型
type Kind string

const (
	KindDelta Kind = "delta"
	KindError Kind = "error"
	KindDone  Kind = "done"
)

// Event 归一化后的流事件。
// 一次调用内：若干 Delta，随后恰好一个终止事件（Error 或 Done）。
type Event struct {
	Kind Kind

	// Delta
	Text string

	// Error
	Err *Error

	// Done
	FullText             string
	TerminatedBySentinel bool // true: 收到 [DONE]；false: 上游直接关闭连接
}

func Delta(text string) Event { return Event{Kind: KindDelta, Text: text} }

func Failure(err *Error) Event { return Event{Kind: KindError, Err: err} }

func Done(fullText string, sentinel bool) Event {
	return Event{Kind: KindDone, FullText: fullText, TerminatedBySentinel: sentinel}
}

// Terminal 是否为终止事件
func (e Event) Terminal() bool {
	return e.Kind == KindError || e.Kind == KindDone
}
