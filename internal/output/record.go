package output

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Record 一条问答记录，JSONL文件中的一行
type Record struct {
	Question       string `json:"question"`
	Answer         string `json:"answer"`
	SourceNodeID   string `json:"source_node_id,omitempty"`  // 生成该记录的节点
	SpanID         string `json:"span_id,omitempty"`         // 所属的顶层片段
	GenerationPath string `json:"generation_path,omitempty"` // 产生记录的拆分层级
}

// publicRecord 严格兼容模式下对外输出的格式
type publicRecord struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FileSuffix 输出文件后缀
const FileSuffix = "_qa.jsonl"

// DestinationFor 返回源文件对应的输出路径 <dir>/<stem>_qa.jsonl
func DestinationFor(outputDir, sourcePath string) string {
	return filepath.Join(outputDir, stem(sourcePath)+FileSuffix)
}

// UniqueDestinationFor 与DestinationFor相同，但在文件名中加入源路径的短校验和，
// 用于不同目录下同名源文件的区分
func UniqueDestinationFor(outputDir, sourcePath string) string {
	sum := sha256.Sum256([]byte(sourcePath))
	return filepath.Join(outputDir, stem(sourcePath)+"_"+hex.EncodeToString(sum[:4])+FileSuffix)
}

// PlanDestinations 为一批源文件分配输出路径，保证不同的源不会共用同一个输出文件
// 默认使用DestinationFor；与其他源冲突的键改用UniqueDestinationFor，unique为true时全部使用后者
func PlanDestinations(outputDir string, keys []string, unique bool) map[string]string {
	plan := make(map[string]string, len(keys))
	owners := make(map[string]map[string]bool)
	for _, key := range keys {
		p := DestinationFor(outputDir, key)
		if owners[p] == nil {
			owners[p] = make(map[string]bool)
		}
		owners[p][key] = true
	}

	for _, key := range keys {
		p := DestinationFor(outputDir, key)
		if unique || len(owners[p]) > 1 {
			p = UniqueDestinationFor(outputDir, key)
		}
		plan[key] = p
	}
	return plan
}

func stem(path string) string {
	base := filepath.Base(path)
	s := strings.TrimSuffix(base, filepath.Ext(base))
	if s == "" || s == "." || s == string(filepath.Separator) {
		return "unknown"
	}
	return s
}
