package convert

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/md-forge/internal/archive"
	"github.com/yourusername/md-forge/internal/jobs"
)

// Submitter は変換ジョブの受付を提供します。
type Submitter interface {
	SubmitFiles(ctx context.Context, files []*multipart.FileHeader, params SubmitParams) ([]string, error)
}

// StatusStore はジョブ状態の参照に必要な操作です。
type StatusStore interface {
	Get(jobID string) (*jobs.Record, error)
	GetMany(jobIDs []string) []*jobs.Record
	Snapshot() []*jobs.Record
}

// ContentOpener はダウンロード対象のファイルを開きます。
type ContentOpener interface {
	OpenMarkdown(jobID string) (*Download, *os.File, error)
	OpenArtifact(jobID, name string) (*Download, *os.File, error)
}

// Packager はZIPパッケージを作成します。
type Packager interface {
	BuildSingle(job *jobs.Record) (*archive.Archive, error)
	BuildBatch(candidates []*jobs.Record) (*archive.Archive, error)
}

// SubmitHandler は POST /api/convert のハンドラーを返します。
func SubmitHandler(svc Submitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		files := form.File["pdfs"]
		if len(files) == 0 {
			files = form.File["pdfs[]"]
		}

		params := SubmitParams{
			APIKey:  c.PostForm("api_key"),
			BaseURL: strings.TrimSpace(c.PostForm("base_url")),
			Model:   strings.TrimSpace(c.PostForm("model")),
			Workers: intFormValue(c, "gpt_worker", 1),
		}
		// max_parallel はプール全体の並列度ヒントとして受け付けるが、
		// プールは起動時に固定されるため値の範囲チェックのみ行う
		if hint := intFormValue(c, "max_parallel", 0); hint < 0 || hint > 5 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "max_parallel は 1〜5 の範囲で指定してください。",
			})
			return
		}

		jobIDs, err := svc.SubmitFiles(c.Request.Context(), files, params)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"job_ids": jobIDs,
			"count":   len(jobIDs),
		})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
func StatusHandler(store StatusStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := store.Get(jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// BatchStatusHandler は POST /api/jobs/status のハンドラーを返します。
// 存在するジョブのみを返し、未知のIDはエラーにしません。
func BatchStatusHandler(store StatusStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			JobIDs []string `json:"job_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job_ids を含むJSONボディを送信してください。",
			})
			return
		}

		c.JSON(http.StatusOK, store.GetMany(req.JobIDs))
	}
}

// MarkdownHandler は GET /api/jobs/:id/markdown のハンドラーを返します。
func MarkdownHandler(svc ContentOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta, file, err := svc.OpenMarkdown(c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()
		streamDownload(c, meta, file)
	}
}

// ArtifactHandler は GET /api/jobs/:id/image/:name のハンドラーを返します。
func ArtifactHandler(svc ContentOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta, file, err := svc.OpenArtifact(c.Param("id"), c.Param("name"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()
		streamDownload(c, meta, file)
	}
}

// PackageHandler は GET /api/jobs/:id/package のハンドラーを返します。
func PackageHandler(store StatusStore, builder Packager) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := store.Get(c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}

		pkg, err := builder.BuildSingle(record)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer pkg.Cleanup()
		streamArchive(c, pkg)
	}
}

// BatchPackageHandler は GET /api/jobs/package?job_ids=a,b,c のハンドラーを返します。
// 存在しないジョブや未完了のジョブは読み飛ばし、1件も残らない場合のみ
// EMPTY_RESULT を返します。
func BatchPackageHandler(store StatusStore, builder Packager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := splitIDs(c.Query("job_ids"))
		if len(ids) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job_ids を指定してください。",
			})
			return
		}

		pkg, err := builder.BuildBatch(store.GetMany(ids))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer pkg.Cleanup()
		streamArchive(c, pkg)
	}
}

// DebugJobsHandler は GET /debug/jobs のハンドラーを返します。
func DebugJobsHandler(store StatusStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		records := store.Snapshot()
		summaries := make(map[string]gin.H, len(records))
		for _, record := range records {
			summaries[record.JobID] = gin.H{
				"status":   record.Status,
				"filename": record.Filename,
				"progress": record.Progress,
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"total_jobs": len(records),
			"jobs":       summaries,
		})
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, archive.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "NOT_READY",
			"message": "ジョブはまだ完了していません。",
		})
	case errors.Is(err, archive.ErrEmpty):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "EMPTY_RESULT",
			"message": "ダウンロード可能な完了ジョブがありません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case "LIMIT_EXCEEDED":
		return http.StatusRequestEntityTooLarge
	case "JOB_NOT_FOUND", "JOB_RESULT_NOT_FOUND", "ARTIFACT_NOT_FOUND", "EMPTY_RESULT":
		return http.StatusNotFound
	case "NOT_READY":
		return http.StatusConflict
	case "QUEUE_FULL":
		return http.StatusServiceUnavailable
	case "CONVERSION_FAILED", "INTERNAL_ERROR":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func streamDownload(c *gin.Context, meta *Download, file *os.File) {
	encodedName := url.PathEscape(meta.Filename)
	c.Header("Content-Type", meta.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", meta.Filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", meta.JobID)
	c.DataFromReader(http.StatusOK, meta.Size, meta.ContentType, file, nil)
}

func streamArchive(c *gin.Context, pkg *archive.Archive) {
	file, err := os.Open(pkg.Path)
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer file.Close()

	const contentType = "application/zip"
	encodedName := url.PathEscape(pkg.Filename)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", pkg.Filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, pkg.Size, contentType, file, nil)
}

func intFormValue(c *gin.Context, key string, defaultValue int) int {
	raw := strings.TrimSpace(c.PostForm(key))
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
