package convert

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/md-forge/internal/config"
	"github.com/yourusername/md-forge/internal/jobs"
	"github.com/yourusername/md-forge/internal/storage"
)

const (
	minEngineWorkers = 1
	maxEngineWorkers = 10
)

// SubmitParams は変換リクエストの共通パラメータです。
type SubmitParams struct {
	APIKey  string
	BaseURL string
	Model   string
	Workers int // エンジン内部の並列度（PDF 1件あたり）
}

// Download はダウンロード対象ファイルのメタデータです。
type Download struct {
	JobID       string
	Filename    string
	Size        int64
	ContentType string
}

// Service は変換ジョブの受付とダウンロード対象の解決を担います。
type Service struct {
	cfg      *config.Config
	store    *storage.Local
	registry *jobs.Registry
	pool     *jobs.Pool
	logger   *log.Logger
	now      func() time.Time
}

// NewService は Service を作成します。
func NewService(cfg *config.Config, store *storage.Local, registry *jobs.Registry, pool *jobs.Pool, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		registry: registry,
		pool:     pool,
		logger:   logger,
		now:      time.Now,
	}
}

// SubmitFiles はアップロードされたPDF群をジョブとして登録し、
// ワーカープールへ投入して、作成したジョブIDの一覧を返します。
// 途中のファイルで失敗した場合、それ以前に受け付けたジョブは
// そのまま実行され、エラーだけが返ります。
func (s *Service) SubmitFiles(ctx context.Context, files []*multipart.FileHeader, params SubmitParams) ([]string, error) {
	if len(files) == 0 {
		return nil, newError("INVALID_INPUT", "アップロードされたPDFファイルが見つかりません。", nil)
	}
	if strings.TrimSpace(params.APIKey) == "" {
		return nil, newError("INVALID_INPUT", "APIキーを指定してください。", nil)
	}
	if params.Model == "" {
		params.Model = s.cfg.DefaultModel
	}
	params.Workers = clampWorkers(params.Workers)

	jobIDs := make([]string, 0, len(files))
	for _, fh := range files {
		if fh == nil || fh.Filename == "" {
			continue
		}

		jobID := uuid.NewString()
		filename := sanitizeFilename(fh.Filename)

		sourcePath, err := s.storeUpload(ctx, fh, jobID, filename)
		if err != nil {
			return jobIDs, err
		}

		outputDir, err := s.store.EnsureJobOutputDir(jobID)
		if err != nil {
			_ = os.Remove(sourcePath)
			return jobIDs, fmt.Errorf("failed to prepare output directory: %w", err)
		}

		record := &jobs.Record{
			JobID:      jobID,
			Filename:   filename,
			Status:     jobs.StatusQueued,
			Progress:   0,
			Message:    "Queued...",
			SourcePath: sourcePath,
			OutputDir:  outputDir,
			CreatedAt:  s.now().UTC(),
		}
		if err := s.registry.Create(record); err != nil {
			_ = os.Remove(sourcePath)
			_ = os.RemoveAll(outputDir)
			return jobIDs, fmt.Errorf("failed to register job: %w", err)
		}

		task := &jobs.Task{
			JobID:      jobID,
			SourcePath: sourcePath,
			OutputDir:  outputDir,
			APIKey:     params.APIKey,
			BaseURL:    params.BaseURL,
			Model:      params.Model,
			Workers:    params.Workers,
		}
		if err := s.pool.Submit(task); err != nil {
			// 受付不能なので登録とファイルを巻き戻す
			s.registry.Remove(jobID)
			_ = os.Remove(sourcePath)
			_ = os.RemoveAll(outputDir)
			if err == jobs.ErrQueueFull {
				return jobIDs, newError("QUEUE_FULL", "変換キューが混雑しています。しばらく待ってから再試行してください。", err)
			}
			return jobIDs, err
		}

		s.logger.Printf("job %s queued for %s", jobID, filename)
		jobIDs = append(jobIDs, jobID)
	}

	if len(jobIDs) == 0 {
		return nil, newError("INVALID_INPUT", "アップロードされたPDFファイルが見つかりません。", nil)
	}
	return jobIDs, nil
}

// storeUpload はアップロードファイルを検証して保存し、保存先パスを返します。
func (s *Service) storeUpload(ctx context.Context, fh *multipart.FileHeader, jobID, filename string) (_ string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.cfg.MaxFileSize > 0 && fh.Size > s.cfg.MaxFileSize {
		return "", newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", s.cfg.MaxFileSize), nil)
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	dstPath := s.store.UploadPath(jobID, filename)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer func() {
		dst.Close()
		if err != nil {
			_ = os.Remove(dstPath)
		}
	}()

	if _, err = io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to store uploaded file: %w", err)
	}
	if err = dst.Close(); err != nil {
		return "", fmt.Errorf("failed to flush uploaded file: %w", err)
	}

	mtype, err := mimetype.DetectFile(dstPath)
	if err != nil {
		return "", fmt.Errorf("failed to detect file type: %w", err)
	}
	if !mtype.Is("application/pdf") {
		err = newError("INVALID_INPUT", fmt.Sprintf("PDFファイルのみアップロードできます（検出: %s）。", mtype.String()), nil)
		return "", err
	}

	pages, err := pdfapi.PageCountFile(dstPath)
	if err != nil {
		err = newError("UNSUPPORTED_PDF", "PDFを読み取れませんでした。ファイルが破損していないか確認してください。", err)
		return "", err
	}
	if s.cfg.MaxPages > 0 && pages > s.cfg.MaxPages {
		err = newError("LIMIT_EXCEEDED", fmt.Sprintf("ページ数が上限（%dページ）を超えています。", s.cfg.MaxPages), nil)
		return "", err
	}

	return dstPath, nil
}

// OpenMarkdown は完了ジョブのMarkdownファイルを開きます。
func (s *Service) OpenMarkdown(jobID string) (*Download, *os.File, error) {
	record, err := s.completedRecord(jobID)
	if err != nil {
		return nil, nil, err
	}

	path := filepath.Join(record.OutputDir, jobs.ContentFilename)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, newError("JOB_RESULT_NOT_FOUND", "変換結果のMarkdownが見つかりませんでした。", err)
		}
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	return &Download{
		JobID:       jobID,
		Filename:    jobs.ContentFilename,
		Size:        info.Size(),
		ContentType: "text/markdown; charset=utf-8",
	}, file, nil
}

// OpenArtifact は完了ジョブの補助ファイル1件を開きます。
// ジョブの artifacts に記録されていないファイルやディスク上に
// 存在しないファイルは NotFound として扱います。
func (s *Service) OpenArtifact(jobID, name string) (*Download, *os.File, error) {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return nil, nil, newError("INVALID_INPUT", "ファイル名の指定が不正です。", nil)
	}

	record, err := s.completedRecord(jobID)
	if err != nil {
		return nil, nil, err
	}

	listed := false
	for _, artifact := range record.Artifacts {
		if artifact == name {
			listed = true
			break
		}
	}
	if !listed {
		return nil, nil, newError("ARTIFACT_NOT_FOUND", "指定されたファイルはこのジョブの成果物にありません。", nil)
	}

	path := filepath.Join(record.OutputDir, name)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, newError("ARTIFACT_NOT_FOUND", "指定されたファイルが見つかりませんでした。", err)
		}
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	contentType := "application/octet-stream"
	if mtype, detectErr := mimetype.DetectFile(path); detectErr == nil {
		contentType = mtype.String()
	}

	return &Download{
		JobID:       jobID,
		Filename:    name,
		Size:        info.Size(),
		ContentType: contentType,
	}, file, nil
}

func (s *Service) completedRecord(jobID string) (*jobs.Record, error) {
	record, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if record.Status != jobs.StatusCompleted {
		return nil, newError("NOT_READY", fmt.Sprintf("ジョブはまだ完了していません（status: %s）。", record.Status), nil)
	}
	return record, nil
}

func clampWorkers(workers int) int {
	if workers < minEngineWorkers {
		return minEngineWorkers
	}
	if workers > maxEngineWorkers {
		return maxEngineWorkers
	}
	return workers
}

// sanitizeFilename はアップロードファイル名からパス要素と
// 危険な文字を取り除きます。空になった場合は既定名を返します。
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	cleaned := strings.Trim(b.String(), "._")
	if cleaned == "" {
		return "document.pdf"
	}
	return cleaned
}
