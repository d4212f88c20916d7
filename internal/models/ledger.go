package models

import "time"

// OutputLedger 输出目标的账本
type OutputLedger struct {
	Destination    string    `gorm:"primaryKey;size:512" json:"destination"`
	Cursor         int64     `gorm:"not null;default:0" json:"cursor"`
	RecordsWritten int       `gorm:"not null;default:0" json:"records_written"`
	LegacyRecords  int       `gorm:"not null;default:0" json:"legacy_records"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`

	Spans []SpanLedger `gorm:"foreignKey:Destination;references:Destination" json:"spans,omitempty"`
}

// TableName 明确指定表名
func (OutputLedger) TableName() string {
	return "output_ledgers"
}

// SpanLedger 单个片段已写入的记录数以及是否已完成
type SpanLedger struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	Destination string `gorm:"not null;size:512;uniqueIndex:idx_span_ledger" json:"destination"`
	SpanID      string `gorm:"not null;size:64;uniqueIndex:idx_span_ledger" json:"span_id"`
	Records     int    `gorm:"not null;default:0" json:"records"`
	Completed   bool   `gorm:"not null;default:false" json:"completed"`
}

// TableName 明确指定表名
func (SpanLedger) TableName() string {
	return "span_ledgers"
}
