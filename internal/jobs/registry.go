package jobs

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// shardCount は2の冪である必要があります。
const shardCount = 32

var (
	// ErrDuplicateID は同一IDのジョブが既に登録されている場合に返されます。
	ErrDuplicateID = errors.New("jobs: duplicate job id")
	// ErrNotFound は指定IDのジョブが存在しない場合に返されます。
	ErrNotFound = errors.New("jobs: job not found")
)

type registryShard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// Registry はジョブ状態をメモリ上に保持する並行安全なストアです。
// ステータスポーリングが実行中ワーカーの更新で直列化しないよう、
// エントリをIDハッシュで固定数のシャードに分散させています。
type Registry struct {
	shards [shardCount]*registryShard
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{records: make(map[string]*Record)}
	}
	return r
}

func (r *Registry) shardFor(jobID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// Create は新規ジョブを登録します。IDが重複している場合は ErrDuplicateID を返します。
func (r *Registry) Create(rec *Record) error {
	if rec == nil || rec.JobID == "" {
		return errors.New("jobs: record requires a job id")
	}
	now := time.Now().UTC()
	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	shard := r.shardFor(rec.JobID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, exists := shard.records[rec.JobID]; exists {
		return ErrDuplicateID
	}
	shard.records[rec.JobID] = stored
	return nil
}

// Update は指定IDのジョブに read-modify-write を排他的に適用します。
// mutate は複数フィールドを一括で書き換えるため、読み手が
// 中途半端な状態（status=completed かつ artifacts 未設定など）を
// 観測することはありません。
func (r *Registry) Update(jobID string, mutate func(*Record)) error {
	shard := r.shardFor(jobID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rec, exists := shard.records[jobID]
	if !exists {
		return ErrNotFound
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Get は指定IDのジョブの複製を返します。
func (r *Registry) Get(jobID string) (*Record, error) {
	shard := r.shardFor(jobID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	rec, exists := shard.records[jobID]
	if !exists {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// GetMany は指定されたIDのうち存在するジョブのみを入力順に返します。
// 未知のIDはエラーにせず黙って読み飛ばします（バッチ照会のポリシー）。
func (r *Registry) GetMany(jobIDs []string) []*Record {
	records := make([]*Record, 0, len(jobIDs))
	for _, id := range jobIDs {
		shard := r.shardFor(id)
		shard.mu.RLock()
		rec, exists := shard.records[id]
		if exists {
			records = append(records, rec.Clone())
		}
		shard.mu.RUnlock()
	}
	return records
}

// Remove は指定IDのジョブを削除します。受付に失敗した投入の
// 巻き戻し専用で、実行中ジョブに対して呼んではいけません。
func (r *Registry) Remove(jobID string) {
	shard := r.shardFor(jobID)
	shard.mu.Lock()
	delete(shard.records, jobID)
	shard.mu.Unlock()
}

// Snapshot は全ジョブの複製を返します。シャードごとに取得するため、
// 全体として一瞬の断面である保証はありません（ポーリング用途なら十分）。
func (r *Registry) Snapshot() []*Record {
	var records []*Record
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, rec := range shard.records {
			records = append(records, rec.Clone())
		}
		shard.mu.RUnlock()
	}
	return records
}

// Len は登録されているジョブ数を返します。
func (r *Registry) Len() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.records)
		shard.mu.RUnlock()
	}
	return total
}
