package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const defaultHistoryFile = "chat_history.json"

// FileBackend 单个 JSON 文件存储（缩进 2 空格，保留非 ASCII 字符）。
// 先写临时文件再 rename，避免写到一半的文件被读到。
type FileBackend struct {
	path string
}

// NewFileBackend 创建文件后端
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// FileBackendFactory 每个会话一个文件：default 会话使用 chat_history.json，
// 其余使用 chat_history_<id>.json
func FileBackendFactory(dir string) BackendFactory {
	return func(conversationID string) Backend {
		name := defaultHistoryFile
		if conversationID != DefaultConversationID {
			name = "chat_history_" + conversationID + ".json"
		}
		return NewFileBackend(filepath.Join(dir, name))
	}
}

// Path 文件路径
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Load(ctx context.Context) ([]Entry, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}
	entries, err := DecodeEntries(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.path, err)
	}
	return entries, nil
}

func (b *FileBackend) Save(ctx context.Context, entries []Entry) error {
	data, err := EncodeEntries(entries)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".chat_history-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("rename to %s: %w", b.path, err)
	}
	return nil
}

func (b *FileBackend) Delete(ctx context.Context) error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", b.path, err)
	}
	return nil
}

// EncodeEntries 序列化为持久化格式：JSON 数组，缩进 2 空格，不转义 HTML 与非 ASCII 字符。
// 空记录编码为 []。
func EncodeEntries(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("encode chat history: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeEntries 解析持久化格式
func DecodeEntries(data []byte) ([]Entry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return entries, nil
}
