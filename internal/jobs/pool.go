package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrQueueFull はキューが飽和していて投入を受け付けられない場合に返されます。
// 呼び出し側は「後で再試行」としてクライアントへ通知します。
var ErrQueueFull = errors.New("jobs: queue is full")

// Task はワーカーに渡す変換1件分の入力です。
type Task struct {
	JobID      string
	SourcePath string
	OutputDir  string
	APIKey     string
	BaseURL    string
	Model      string
	Workers    int
}

// ConvertFunc は外部変換エンジンへの境界呼び出しです。
// ブロッキングで、成功時は抽出済みコンテンツと生成された
// 補助ファイル名の一覧を返します。エンジンは呼び出し後の
// 中断手段を提供しないため、ctx の期限切れはエンジンプロセスの
// 停止（CommandContext）によってのみ反映されます。
type ConvertFunc func(ctx context.Context, task *Task) (content string, artifacts []string, err error)

// PoolOptions は Pool の構成パラメータです。
type PoolOptions struct {
	Size           int           // ワーカー数（同時変換の上限）
	QueueCapacity  int           // 投入待ちキューの上限
	ConvertTimeout time.Duration // 1件の変換に許容する時間（0は無制限）
	Logger         *log.Logger
}

// Pool は固定数のワーカーで変換を並列実行する実行器です。
// ジョブ1件は常にただ1つのワーカーが所有し、レジストリへの
// 書き込みはそのワーカーのみが行います。
type Pool struct {
	registry *Registry
	convert  ConvertFunc
	tasks    chan *Task
	size     int
	timeout  time.Duration
	logger   *log.Logger

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool は Pool を作成します。Start を呼ぶまでワーカーは起動しません。
func NewPool(registry *Registry, convert ConvertFunc, opts PoolOptions) (*Pool, error) {
	if registry == nil {
		return nil, errors.New("jobs: registry is nil")
	}
	if convert == nil {
		return nil, errors.New("jobs: convert func is nil")
	}
	size := opts.Size
	if size < 1 {
		size = 5
	}
	capacity := opts.QueueCapacity
	if capacity < 1 {
		capacity = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		registry: registry,
		convert:  convert,
		tasks:    make(chan *Task, capacity),
		size:     size,
		timeout:  opts.ConvertTimeout,
		logger:   logger,
	}, nil
}

// Start はワーカーをバックグラウンドで起動します。
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Shutdown は新規投入を締め切り、実行中のジョブ完了を ctx の範囲で待ちます。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.tasks)
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit はタスクをキューに投入します。呼び出しはブロックせず、
// キュー飽和時は ErrQueueFull を返します。
func (p *Pool) Submit(task *Task) error {
	if task == nil || task.JobID == "" {
		return errors.New("jobs: task requires a job id")
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runTask(id, task)
	}
}

// runTask はジョブ1件を実行プロトコルに従って進めます。
// 各チェックポイントは Update 1回で全フィールドを書き換えます。
func (p *Pool) runTask(workerID int, task *Task) {
	defer func() {
		// エンジン実装の panic がプールを巻き込まないよう隔離する
		if rec := recover(); rec != nil {
			p.logger.Printf("worker %d: panic while converting job %s: %v", workerID, task.JobID, rec)
			p.failJob(task.JobID, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	if err := p.registry.Update(task.JobID, func(r *Record) {
		r.Status = StatusProcessing
		r.Progress = 10
		r.Message = "converting"
	}); err != nil {
		p.logger.Printf("worker %d: job %s missing at start: %v", workerID, task.JobID, err)
		return
	}

	_ = p.registry.Update(task.JobID, func(r *Record) {
		r.Progress = 30
		r.Message = "parsing pages"
	})

	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	content, artifacts, err := p.convert(ctx, task)
	if err != nil {
		cause := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = fmt.Sprintf("conversion timed out after %s", p.timeout)
		}
		p.logger.Printf("worker %d: job %s failed: %s", workerID, task.JobID, cause)
		p.failJob(task.JobID, cause)
		return
	}

	_ = p.registry.Update(task.JobID, func(r *Record) {
		r.Progress = 90
		r.Message = "finalizing"
	})

	contentPath := filepath.Join(task.OutputDir, ContentFilename)
	if err := os.WriteFile(contentPath, []byte(content), 0o640); err != nil {
		p.logger.Printf("worker %d: job %s failed to write content: %v", workerID, task.JobID, err)
		p.failJob(task.JobID, fmt.Sprintf("failed to write converted content: %v", err))
		return
	}

	_ = p.registry.Update(task.JobID, func(r *Record) {
		r.Status = StatusCompleted
		r.Progress = 100
		r.Message = "done"
		r.Artifacts = append([]string(nil), artifacts...)
	})
	p.logger.Printf("worker %d: job %s completed (%d artifacts)", workerID, task.JobID, len(artifacts))
}

func (p *Pool) failJob(jobID, cause string) {
	_ = p.registry.Update(jobID, func(r *Record) {
		r.Status = StatusFailed
		r.Progress = 0
		r.Error = cause
		r.Message = "Error: " + cause
	})
}
