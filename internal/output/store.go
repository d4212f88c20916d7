// Package output 负责问答记录的持久化：每个源文档一个JSONL文件，
// 配合账本实现断点续跑和崩溃后的一致性恢复
package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store 输出目标的管理器
// 同一路径只会打开一个Destination，保证写入在目标级别串行化
type Store struct {
	ledgers         LedgerStore
	includeMetadata bool
	logger          *logrus.Logger

	mu    sync.Mutex
	dests map[string]*Destination
}

// Option 存储配置选项
type Option func(*Store)

// WithLedgerStore 设置账本存储，默认使用旁路文件
func WithLedgerStore(ls LedgerStore) Option {
	return func(s *Store) {
		s.ledgers = ls
	}
}

// WithMetadata 是否在记录中写入节点ID、片段ID等元数据
// 关闭时只输出 {question, answer}，与旧格式严格兼容
func WithMetadata(include bool) Option {
	return func(s *Store) {
		s.includeMetadata = include
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore 创建输出存储
func NewStore(opts ...Option) *Store {
	s := &Store{
		ledgers:         NewFileLedgerStore(),
		includeMetadata: true,
		logger:          logrus.New(),
		dests:           make(map[string]*Destination),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open 打开（或复用已打开的）输出目标，每次Open都要对应一次Release
// 首次打开时完成旧格式迁移、账本对账和未提交残留的截断
func (s *Store) Open(ctx context.Context, path string) (*Destination, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dests[abs]; ok {
		d.refs++
		return d, nil
	}

	d := &Destination{path: abs, store: s, refs: 1}
	if err := d.open(ctx); err != nil {
		return nil, err
	}
	s.dests[abs] = d
	return d, nil
}

// Close 关闭所有输出目标
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for path, d := range s.dests {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.dests, path)
	}
	return errors.Join(errs...)
}

// Release 归还一次Open得到的输出目标
// 最后一个使用者归还时关闭文件并移除，之后的Open会重新对账
func (s *Store) Release(d *Destination) error {
	s.mu.Lock()
	cur, ok := s.dests[d.path]
	if ok && cur == d {
		d.refs--
		if d.refs > 0 {
			s.mu.Unlock()
			return nil
		}
		delete(s.dests, d.path)
	}
	s.mu.Unlock()
	return d.Close()
}

// Destination 单个输出文件
type Destination struct {
	path  string
	store *Store
	refs  int // 由Store.mu保护

	mu     sync.Mutex
	file   *os.File
	state  *LedgerState
	closed bool
	failed error // 写入失败后目标不再接受追加
}

// Path 输出文件路径
func (d *Destination) Path() string {
	return d.path
}

func (d *Destination) open(ctx context.Context) error {
	logger := d.store.logger.WithField("destination", d.path)

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return persistErr(d.path, "mkdir", err)
	}

	migrated, n, err := MigrateLegacy(d.path)
	if err != nil {
		return persistErr(d.path, "migrate", err)
	}
	if migrated {
		logger.WithField("records", n).Info("Migrated legacy JSON array output to JSONL")
	}

	state, err := d.store.ledgers.Load(ctx, d.path)
	switch {
	case errors.Is(err, ErrLedgerNotFound):
		state = nil
	case err != nil:
		return persistErr(d.path, "load ledger", err)
	}

	var size int64
	if info, err := os.Stat(d.path); err == nil {
		size = info.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return persistErr(d.path, "stat", err)
	}

	switch {
	case state == nil || migrated:
		// 没有账本（或刚迁移）的文件按内容重建账本
		state, err = d.adopt()
		if err != nil {
			return err
		}
		if state.RecordsWritten > 0 {
			logger.WithFields(logrus.Fields{
				"records": state.RecordsWritten,
				"legacy":  state.LegacyRecords,
			}).Info("Adopted existing output file")
		}
	case size > state.Cursor:
		logger.WithFields(logrus.Fields{
			"cursor": state.Cursor,
			"size":   size,
		}).Warn("Truncating uncommitted tail of output file")
		if err := os.Truncate(d.path, state.Cursor); err != nil {
			return persistErr(d.path, "truncate", err)
		}
	case size < state.Cursor:
		// 文件比账本记录的短，账本已不可信
		logger.WithFields(logrus.Fields{
			"cursor": state.Cursor,
			"size":   size,
		}).Warn("Output file shorter than ledger, rebuilding ledger")
		state, err = d.adopt()
		if err != nil {
			return err
		}
	}

	state.Destination = d.path
	if err := d.store.ledgers.Save(ctx, d.path, state); err != nil {
		return persistErr(d.path, "save ledger", err)
	}

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return persistErr(d.path, "open", err)
	}
	d.file = f
	d.state = state
	return nil
}

// adopt 扫描已有文件重建账本，并截掉末尾不完整的行
func (d *Destination) adopt() (*LedgerState, error) {
	res, err := scanLines(d.path)
	if err != nil {
		return nil, persistErr(d.path, "scan", err)
	}

	if info, err := os.Stat(d.path); err == nil && info.Size() > res.committed {
		if err := os.Truncate(d.path, res.committed); err != nil {
			return nil, persistErr(d.path, "truncate", err)
		}
	}
	if res.malformed > 0 {
		d.store.logger.WithFields(logrus.Fields{
			"destination": d.path,
			"lines":       res.malformed,
		}).Warn("Ignoring malformed lines in existing output")
	}

	state := NewLedgerState(d.path)
	state.Cursor = res.committed
	state.RecordsWritten = res.records
	state.LegacyRecords = res.legacy
	state.Spans = res.spans
	state.markSpansCompleted()
	state.UpdatedAt = time.Now()
	return state, nil
}

// SpanWritten 返回片段已提交的记录数
func (d *Destination) SpanWritten(spanID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return 0
	}
	return d.state.Spans[spanID]
}

// SpanCompleted 片段是否已经到达终止状态并提交
// 已完成的片段即使产出低于最小值也不会再次生成
func (d *Destination) SpanCompleted(spanID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return false
	}
	return d.state.Completed[spanID]
}

// Written 返回目标已提交的记录总数
func (d *Destination) Written() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return 0
	}
	return d.state.RecordsWritten
}

// LegacyWritten 返回没有片段信息的历史记录数
func (d *Destination) LegacyWritten() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return 0
	}
	return d.state.LegacyRecords
}

// Ledger 返回账本快照
func (d *Destination) Ledger() LedgerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.state.clone()
}

// Append 追加一个片段的记录
// 整批记录以完整行写入并fsync之后才推进账本；上下文已取消时不写入任何内容
func (d *Destination) Append(ctx context.Context, spanID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, r := range records {
		r.SpanID = spanID
		var (
			line []byte
			err  error
		)
		if d.store.includeMetadata {
			line, err = json.Marshal(r)
		} else {
			line, err = json.Marshal(publicRecord{Question: r.Question, Answer: r.Answer})
		}
		if err != nil {
			return persistErr(d.path, "encode", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return persistErr(d.path, "append", ErrClosed)
	}
	if d.failed != nil {
		return persistErr(d.path, "append", d.failed)
	}

	n, err := d.file.Write(buf.Bytes())
	if err != nil {
		return d.fail("write", err)
	}
	if err := d.file.Sync(); err != nil {
		return d.fail("sync", err)
	}

	next := d.state.clone()
	next.Cursor += int64(n)
	next.RecordsWritten += len(records)
	if spanID == "" {
		next.LegacyRecords += len(records)
	}
	if spanID != "" {
		next.Spans[spanID] += len(records)
		next.Completed[spanID] = true
	}
	next.UpdatedAt = time.Now()

	// 账本保存失败时记录已落盘但不计数，下次打开时会被截掉
	if err := d.store.ledgers.Save(context.WithoutCancel(ctx), d.path, next); err != nil {
		return d.fail("save ledger", err)
	}
	d.state = next
	return nil
}

// fail 把文件截回最后一次提交的位置；截断也失败时目标被标记为不可用
func (d *Destination) fail(op string, err error) error {
	if terr := d.file.Truncate(d.state.Cursor); terr != nil {
		d.failed = fmt.Errorf("%s: %w (rollback failed: %v)", op, err, terr)
	}
	return persistErr(d.path, op, err)
}

// Records 读取已提交的全部记录
func (d *Destination) Records() ([]Record, error) {
	d.mu.Lock()
	cursor := d.state.Cursor
	d.mu.Unlock()

	return ReadRecords(d.path, cursor)
}

// Close 关闭输出文件
func (d *Destination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.file == nil {
		return nil
	}
	if err := d.file.Close(); err != nil {
		return persistErr(d.path, "close", err)
	}
	return nil
}

// ReadRecords 读取JSONL文件前limit个字节中的记录，limit<0时读取整个文件
func ReadRecords(path string, limit int64) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var (
		records []Record
		read    int64
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for limit < 0 || read < limit {
		line, err := r.ReadBytes('\n')
		read += int64(len(line))
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 && line[len(line)-1] == '\n' {
			var rec Record
			if jsonErr := json.Unmarshal(trimmed, &rec); jsonErr == nil {
				records = append(records, rec)
			}
		}
		if err != nil {
			break
		}
	}
	return records, nil
}
