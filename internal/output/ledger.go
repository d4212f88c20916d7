package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LedgerState 单个输出目标的账本
// Cursor 是已提交数据的字节偏移，超出部分视为未提交的残留。
// Completed 记录已到达终止状态的片段，与对应记录在同一次保存中提交
type LedgerState struct {
	Destination    string          `json:"destination"`
	Cursor         int64           `json:"cursor"`
	RecordsWritten int             `json:"records_written"`
	LegacyRecords  int             `json:"legacy_records"` // 没有片段ID的历史记录
	Spans          map[string]int  `json:"spans"`
	Completed      map[string]bool `json:"completed"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewLedgerState 创建空账本
func NewLedgerState(dest string) *LedgerState {
	return &LedgerState{
		Destination: dest,
		Spans:       make(map[string]int),
		Completed:   make(map[string]bool),
	}
}

func (s *LedgerState) clone() *LedgerState {
	c := *s
	c.Spans = make(map[string]int, len(s.Spans))
	for k, v := range s.Spans {
		c.Spans[k] = v
	}
	c.Completed = make(map[string]bool, len(s.Completed))
	for k, v := range s.Completed {
		c.Completed[k] = v
	}
	return &c
}

// markSpansCompleted 把所有已有记录的片段标记为完成
// 片段的记录总是在一次追加中整体提交，文件中出现过的片段必然已到达终止状态
func (s *LedgerState) markSpansCompleted() {
	if s.Completed == nil {
		s.Completed = make(map[string]bool, len(s.Spans))
	}
	for id, n := range s.Spans {
		if n > 0 {
			s.Completed[id] = true
		}
	}
}

// LedgerStore 账本持久化接口
type LedgerStore interface {
	// Load 读取账本，不存在时返回ErrLedgerNotFound
	Load(ctx context.Context, dest string) (*LedgerState, error)

	// Save 保存账本
	Save(ctx context.Context, dest string, state *LedgerState) error
}

// LedgerSuffix 账本文件后缀
const LedgerSuffix = ".ledger.json"

// FileLedgerStore 以旁路文件保存账本：<dest>.ledger.json
type FileLedgerStore struct{}

// NewFileLedgerStore 创建文件账本存储
func NewFileLedgerStore() *FileLedgerStore {
	return &FileLedgerStore{}
}

// Load 读取账本文件
func (s *FileLedgerStore) Load(ctx context.Context, dest string) (*LedgerState, error) {
	data, err := os.ReadFile(dest + LedgerSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrLedgerNotFound
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	state := &LedgerState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}
	if state.Destination == "" {
		state.Destination = dest
	}
	if state.Spans == nil {
		state.Spans = make(map[string]int)
	}
	// 旧版本账本没有completed字段
	if state.Completed == nil {
		state.markSpansCompleted()
	}
	return state, nil
}

// Save 先写临时文件再重命名，保证账本文件要么是旧版本要么是新版本
func (s *FileLedgerStore) Save(ctx context.Context, dest string, state *LedgerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	return writeFileAtomic(dest+LedgerSuffix, data)
}

// writeFileAtomic 原子地替换文件内容
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// MemoryLedgerStore 内存账本存储，主要用于测试
type MemoryLedgerStore struct {
	states map[string]*LedgerState
}

// NewMemoryLedgerStore 创建内存账本存储
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{states: make(map[string]*LedgerState)}
}

// Load 读取账本
func (s *MemoryLedgerStore) Load(ctx context.Context, dest string) (*LedgerState, error) {
	st, ok := s.states[dest]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	return st.clone(), nil
}

// Save 保存账本
func (s *MemoryLedgerStore) Save(ctx context.Context, dest string, state *LedgerState) error {
	s.states[dest] = state.clone()
	return nil
}
