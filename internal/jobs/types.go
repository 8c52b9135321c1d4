// Package jobs は変換ジョブの状態管理と並列実行を提供します。
package jobs

import "time"

// ContentFilename は変換結果のMarkdownファイル名です。
const ContentFilename = "output.md"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態（completed / failed）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record はジョブの現在状態を表します。
// Status は queued → processing → {completed | failed} の順にのみ遷移し、
// 終端状態から変化することはありません。
type Record struct {
	JobID     string   `json:"job_id"`
	Filename  string   `json:"filename"`
	Status    Status   `json:"status"`
	Progress  int      `json:"progress"`
	Message   string   `json:"message"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"images,omitempty"`

	// SourcePath / OutputDir はサーバー内部のパスなのでAPIには出しません。
	SourcePath string `json:"-"`
	OutputDir  string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone は Record の独立した複製を返します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Artifacts != nil {
		dup.Artifacts = append([]string(nil), r.Artifacts...)
	}
	return &dup
}
