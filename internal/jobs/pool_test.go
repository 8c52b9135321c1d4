package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const pollInterval = 5 * time.Millisecond

func newTestPool(t *testing.T, size, capacity int, timeout time.Duration, convert ConvertFunc) (*Registry, *Pool) {
	t.Helper()
	registry := NewRegistry()
	pool, err := NewPool(registry, convert, PoolOptions{
		Size:           size,
		QueueCapacity:  capacity,
		ConvertTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return registry, pool
}

func submitJob(t *testing.T, registry *Registry, pool *Pool, root, jobID string) *Task {
	t.Helper()
	outputDir := filepath.Join(root, jobID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatalf("failed to create output dir: %v", err)
	}
	record := &Record{
		JobID:     jobID,
		Filename:  jobID + ".pdf",
		Status:    StatusQueued,
		Message:   "Queued...",
		OutputDir: outputDir,
	}
	if err := registry.Create(record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	task := &Task{
		JobID:     jobID,
		OutputDir: outputDir,
		Model:     "gpt-4o",
		Workers:   1,
	}
	if err := pool.Submit(task); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	return task
}

func waitForStatus(t *testing.T, registry *Registry, jobID string, want Status) *Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := registry.Get(jobID)
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if rec.Status == want {
			return rec
		}
		if rec.Status.Terminal() {
			t.Fatalf("job %s reached terminal status %s (error: %q), want %s", jobID, rec.Status, rec.Error, want)
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("timed out waiting for job %s to become %s", jobID, want)
	return nil
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	root := t.TempDir()
	registry, pool := newTestPool(t, 2, 8, 0, func(ctx context.Context, task *Task) (string, []string, error) {
		// エンジンが補助ファイルを出力ディレクトリへ書き込む想定
		artifact := filepath.Join(task.OutputDir, "page-1.png")
		if err := os.WriteFile(artifact, []byte("png"), 0o640); err != nil {
			return "", nil, err
		}
		return "# Converted\n\nhello", []string{"page-1.png"}, nil
	})

	// 観測される status / progress の列が正しいことをポーリングで検証する
	statusRank := map[Status]int{StatusQueued: 0, StatusProcessing: 1, StatusCompleted: 2}
	observer := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		lastRank := 0
		lastProgress := 0
		for {
			select {
			case <-stop:
				observer <- nil
				return
			default:
			}
			rec, err := registry.Get("job-a")
			if err != nil {
				time.Sleep(pollInterval)
				continue
			}
			rank, ok := statusRank[rec.Status]
			if !ok {
				observer <- fmt.Errorf("unexpected status observed: %s", rec.Status)
				return
			}
			if rank < lastRank {
				observer <- fmt.Errorf("status went backwards: rank %d after %d", rank, lastRank)
				return
			}
			if !rec.Status.Terminal() && rec.Progress < lastProgress {
				observer <- fmt.Errorf("progress went backwards: %d after %d", rec.Progress, lastProgress)
				return
			}
			lastRank = rank
			lastProgress = rec.Progress
			time.Sleep(pollInterval)
		}
	}()

	task := submitJob(t, registry, pool, root, "job-a")
	rec := waitForStatus(t, registry, "job-a", StatusCompleted)
	close(stop)
	if err := <-observer; err != nil {
		t.Fatal(err)
	}

	if rec.Progress != 100 {
		t.Fatalf("completed job progress = %d, want 100", rec.Progress)
	}
	if rec.Message != "done" {
		t.Fatalf("unexpected message: %q", rec.Message)
	}
	if len(rec.Artifacts) != 1 || rec.Artifacts[0] != "page-1.png" {
		t.Fatalf("unexpected artifacts: %v", rec.Artifacts)
	}
	if rec.Error != "" {
		t.Fatalf("completed job carries error: %q", rec.Error)
	}

	content, err := os.ReadFile(filepath.Join(task.OutputDir, ContentFilename))
	if err != nil {
		t.Fatalf("content file missing: %v", err)
	}
	if len(content) == 0 {
		t.Fatal("content file is empty")
	}
}

func TestPoolMarksJobFailed(t *testing.T) {
	root := t.TempDir()
	registry, pool := newTestPool(t, 1, 4, 0, func(ctx context.Context, task *Task) (string, []string, error) {
		return "", nil, fmt.Errorf("engine exploded")
	})

	task := submitJob(t, registry, pool, root, "job-b")
	rec := waitForStatus(t, registry, "job-b", StatusFailed)

	if rec.Error == "" {
		t.Fatal("failed job has empty error")
	}
	if !strings.Contains(rec.Message, "engine exploded") {
		t.Fatalf("message does not carry the cause: %q", rec.Message)
	}
	if rec.Progress != 0 {
		t.Fatalf("failed job progress = %d, want 0", rec.Progress)
	}
	if _, err := os.Stat(filepath.Join(task.OutputDir, ContentFilename)); !os.IsNotExist(err) {
		t.Fatalf("failed job must not produce a content file, stat err=%v", err)
	}
}

func TestPoolBoundedParallelism(t *testing.T) {
	const poolSize = 3
	const jobCount = 8

	root := t.TempDir()
	var current, peak atomic.Int32
	release := make(chan struct{})
	started := make(chan string, jobCount)

	registry, pool := newTestPool(t, poolSize, jobCount, 0, func(ctx context.Context, task *Task) (string, []string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- task.JobID
		<-release
		current.Add(-1)
		return "content", nil, nil
	})

	for i := 0; i < jobCount; i++ {
		submitJob(t, registry, pool, root, fmt.Sprintf("job-%d", i))
	}

	// プールサイズ分のジョブが開始されるまで待つ
	for i := 0; i < poolSize; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for workers to start")
		}
	}

	// 余剰のワーカーが立ち上がっていないことを確認する
	select {
	case id := <-started:
		t.Fatalf("job %s started beyond the pool size", id)
	case <-time.After(50 * time.Millisecond):
	}

	if p := peak.Load(); p > poolSize {
		t.Fatalf("observed %d simultaneous conversions, limit is %d", p, poolSize)
	}

	close(release)
	for i := 0; i < jobCount; i++ {
		waitForStatus(t, registry, fmt.Sprintf("job-%d", i), StatusCompleted)
	}
	if p := peak.Load(); p > poolSize {
		t.Fatalf("observed %d simultaneous conversions, limit is %d", p, poolSize)
	}
}

func TestPoolSubmitQueueFull(t *testing.T) {
	root := t.TempDir()
	release := make(chan struct{})
	started := make(chan struct{}, 4)

	registry, pool := newTestPool(t, 1, 1, 0, func(ctx context.Context, task *Task) (string, []string, error) {
		started <- struct{}{}
		<-release
		return "content", nil, nil
	})
	defer close(release)

	submitJob(t, registry, pool, root, "job-running")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first job to start")
	}

	// ワーカー占有中: 1件はキューに入り、その次は拒否される
	submitJob(t, registry, pool, root, "job-waiting")

	if err := registry.Create(&Record{JobID: "job-rejected", Status: StatusQueued}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	err := pool.Submit(&Task{JobID: "job-rejected", OutputDir: root})
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPoolConvertTimeout(t *testing.T) {
	root := t.TempDir()
	registry, pool := newTestPool(t, 1, 4, 50*time.Millisecond, func(ctx context.Context, task *Task) (string, []string, error) {
		<-ctx.Done()
		return "", nil, ctx.Err()
	})

	submitJob(t, registry, pool, root, "job-slow")
	rec := waitForStatus(t, registry, "job-slow", StatusFailed)
	if !strings.Contains(rec.Error, "timed out") {
		t.Fatalf("expected timeout cause, got %q", rec.Error)
	}
}

func TestPoolRecoversFromPanic(t *testing.T) {
	root := t.TempDir()
	var calls atomic.Int32
	registry, pool := newTestPool(t, 1, 4, 0, func(ctx context.Context, task *Task) (string, []string, error) {
		if calls.Add(1) == 1 {
			panic("engine bug")
		}
		return "content", nil, nil
	})

	submitJob(t, registry, pool, root, "job-panic")
	rec := waitForStatus(t, registry, "job-panic", StatusFailed)
	if rec.Error == "" {
		t.Fatal("panicked job has empty error")
	}

	// プールは生きていて次のジョブを処理できる
	submitJob(t, registry, pool, root, "job-after")
	waitForStatus(t, registry, "job-after", StatusCompleted)
}
