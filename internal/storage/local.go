// Package storage はローカルファイルシステム上の配置を管理します。
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Local はアップロード元と変換結果のディレクトリ配置を表します。
// アップロードは {UploadDir}/{jobID}_{sanitizedFilename}、
// 変換結果は {OutputDir}/{jobID}/ に置かれ、パスがジョブIDで
// 分割されるためジョブ間で衝突しません。
type Local struct {
	UploadDir string
	OutputDir string
}

// NewLocal は Local を作成します。
func NewLocal(uploadDir, outputDir string) *Local {
	return &Local{
		UploadDir: uploadDir,
		OutputDir: outputDir,
	}
}

// Init はルートディレクトリを作成します。
func (l *Local) Init() error {
	for _, dir := range []string{l.UploadDir, l.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// UploadPath はアップロードファイルの保存先パスを返します。
func (l *Local) UploadPath(jobID, filename string) string {
	return filepath.Join(l.UploadDir, jobID+"_"+filename)
}

// JobOutputDir はジョブの出力ディレクトリパスを返します。
func (l *Local) JobOutputDir(jobID string) string {
	return filepath.Join(l.OutputDir, jobID)
}

// EnsureJobOutputDir はジョブの出力ディレクトリを作成して返します。
func (l *Local) EnsureJobOutputDir(jobID string) (string, error) {
	dir := l.JobOutputDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return dir, nil
}
