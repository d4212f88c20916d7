package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode"
)

// MigrateLegacy 把旧版的JSON数组输出文件就地转换为JSONL
// 文件不是数组格式（或不存在）时不做任何修改并返回 false
// 转换通过临时文件加重命名完成，中途失败时原文件保持不变
func MigrateLegacy(path string) (bool, int, error) {
	isArray, err := looksLikeArray(path)
	if err != nil || !isArray {
		return false, 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read legacy file: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return false, 0, fmt.Errorf("failed to parse legacy array: %w", err)
	}

	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return false, 0, fmt.Errorf("failed to encode record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return false, 0, err
	}
	return true, len(records), nil
}

// looksLikeArray 判断文件第一个非空白字符是否为 '['
func looksLikeArray(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		c, _, err := r.ReadRune()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if c == '\ufeff' || unicode.IsSpace(c) {
			continue
		}
		return c == '[', nil
	}
}

// scanResult 扫描已有JSONL文件得到的统计
type scanResult struct {
	committed int64 // 最后一个完整行之后的偏移
	records   int
	legacy    int
	spans     map[string]int
	malformed int
}

// scanLines 统计文件中的完整记录行
// 末尾没有换行符的半行视为未提交，不计入committed
func scanLines(path string) (*scanResult, error) {
	res := &scanResult{spans: make(map[string]int)}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			offset += int64(len(line))
			res.committed = offset
			res.count(bytes.TrimSpace(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *scanResult) count(line []byte) {
	if len(line) == 0 {
		return
	}
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		s.malformed++
		return
	}
	s.records++
	if rec.SpanID == "" {
		s.legacy++
		return
	}
	s.spans[rec.SpanID]++
}
