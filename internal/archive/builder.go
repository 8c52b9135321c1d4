// Package archive は完了ジョブの成果物からダウンロード用ZIPパッケージを組み立てます。
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yourusername/md-forge/internal/jobs"
)

const imagesDirName = "images"

var (
	// ErrNotReady は完了していないジョブをパッケージ化しようとした場合に返されます。
	ErrNotReady = errors.New("archive: job is not completed")
	// ErrEmpty は対象を絞り込んだ結果、パッケージ化できるジョブが1件もない場合に返されます。
	ErrEmpty = errors.New("archive: no completed jobs to package")
)

// Archive は生成済みのZIPパッケージを表します。
type Archive struct {
	Path     string
	Filename string // ダウンロード時のファイル名
	Size     int64

	cleanupOnce sync.Once
	cleanupErr  error
}

// Cleanup は生成したZIPファイルを削除します。複数回呼んでも安全です。
func (a *Archive) Cleanup() error {
	if a == nil {
		return nil
	}
	a.cleanupOnce.Do(func() {
		a.cleanupErr = os.Remove(a.Path)
	})
	return a.cleanupErr
}

// Builder はパッケージの組み立てを担います。ジョブの状態は読み取るだけで
// 変更しません。ステージングディレクトリはジョブID・乱数サフィックスで
// 一意に命名されるため、並行するリクエスト間で衝突しません。
type Builder struct {
	outputRoot string
	logger     *log.Logger
}

// NewBuilder は Builder を作成します。
func NewBuilder(outputRoot string, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{
		outputRoot: outputRoot,
		logger:     logger,
	}
}

// BuildSingle は完了ジョブ1件のパッケージ
// （{name}.md と images/ 以下の補助ファイル）を作成します。
func (b *Builder) BuildSingle(job *jobs.Record) (_ *Archive, err error) {
	if job == nil {
		return nil, errors.New("archive: job is nil")
	}
	if job.Status != jobs.StatusCompleted {
		return nil, ErrNotReady
	}

	staging := filepath.Join(b.outputRoot, job.JobID+"_package")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(staging); removeErr != nil && err == nil {
			err = fmt.Errorf("failed to remove staging directory: %w", removeErr)
		}
	}()

	if err := b.populateJobDir(staging, job); err != nil {
		return nil, err
	}

	baseName := stripExtension(job.Filename)
	zipPath := filepath.Join(b.outputRoot, job.JobID+"_package.zip")
	archive, err := b.finalize(zipPath, staging, baseName+"_complete.zip")
	if err != nil {
		return nil, err
	}
	return archive, nil
}

// BuildBatch は複数ジョブをまとめたパッケージを作成します。
// completed 以外のジョブは読み飛ばし、1件も残らなければ ErrEmpty を返します。
// サブフォルダ名は拡張子を除いたファイル名で、重複時は
// name_1, name_2, ... と連番を付けて上書きを防ぎます。
func (b *Builder) BuildBatch(candidates []*jobs.Record) (_ *Archive, err error) {
	batchID := uuid.NewString()[:8]
	staging := filepath.Join(b.outputRoot, "batch_"+batchID)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(staging); removeErr != nil && err == nil {
			err = fmt.Errorf("failed to remove staging directory: %w", removeErr)
		}
	}()

	usedNames := make(map[string]bool)
	packaged := 0
	for _, job := range candidates {
		if job == nil {
			continue
		}
		if job.Status != jobs.StatusCompleted {
			b.logger.Printf("batch %s: skipping job %s (status: %s)", batchID, job.JobID, job.Status)
			continue
		}

		folderName := stripExtension(job.Filename)
		for i := 1; usedNames[folderName]; i++ {
			folderName = fmt.Sprintf("%s_%d", stripExtension(job.Filename), i)
		}
		usedNames[folderName] = true

		jobDir := filepath.Join(staging, folderName)
		if err := os.MkdirAll(jobDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create job folder: %w", err)
		}
		if err := b.populateJobDir(jobDir, job); err != nil {
			return nil, err
		}
		packaged++
	}

	if packaged == 0 {
		return nil, ErrEmpty
	}

	zipPath := filepath.Join(b.outputRoot, "all_pdfs_"+batchID+".zip")
	downloadName := fmt.Sprintf("all_converted_pdfs_%d_files.zip", packaged)
	archive, err := b.finalize(zipPath, staging, downloadName)
	if err != nil {
		return nil, err
	}
	return archive, nil
}

// populateJobDir はジョブ1件分のレイアウト（{name}.md + images/）を
// dir 以下に構成します。ディスク上に無い補助ファイルはログに残して
// 読み飛ばします。
func (b *Builder) populateJobDir(dir string, job *jobs.Record) error {
	contentSrc := filepath.Join(job.OutputDir, jobs.ContentFilename)
	contentDst := filepath.Join(dir, stripExtension(job.Filename)+".md")
	if err := copyFile(contentSrc, contentDst); err != nil {
		if os.IsNotExist(err) {
			b.logger.Printf("job %s: content file missing, skipping: %s", job.JobID, contentSrc)
		} else {
			return fmt.Errorf("failed to copy content file: %w", err)
		}
	}

	if len(job.Artifacts) == 0 {
		return nil
	}
	imagesDir := filepath.Join(dir, imagesDirName)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create images folder: %w", err)
	}
	for _, artifact := range job.Artifacts {
		src := filepath.Join(job.OutputDir, filepath.Base(artifact))
		dst := filepath.Join(imagesDir, filepath.Base(artifact))
		if err := copyFile(src, dst); err != nil {
			if os.IsNotExist(err) {
				b.logger.Printf("job %s: artifact missing, skipping: %s", job.JobID, src)
				continue
			}
			return fmt.Errorf("failed to copy artifact: %w", err)
		}
	}
	return nil
}

// finalize はステージングディレクトリをZIP化して Archive を返します。
func (b *Builder) finalize(zipPath, staging, downloadName string) (*Archive, error) {
	if err := zipDirectory(zipPath, staging); err != nil {
		_ = os.Remove(zipPath)
		return nil, err
	}
	info, err := os.Stat(zipPath)
	if err != nil {
		_ = os.Remove(zipPath)
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	return &Archive{
		Path:     zipPath,
		Filename: downloadName,
		Size:     info.Size(),
	}, nil
}

// zipDirectory は root 以下のファイルを相対パスを保ってZIPに書き込みます。
func zipDirectory(outputPath, root string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create zip file: %w", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)
	defer zipWriter.Close()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("failed to build zip header: %w", err)
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to write zip header: %w", err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open zip input: %w", err)
		}
		defer file.Close()

		if _, err := io.Copy(writer, file); err != nil {
			return fmt.Errorf("failed to write zip entry: %w", err)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func stripExtension(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		return "document"
	}
	return base
}
