package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Request は変換エンジンへの入力です。
type Request struct {
	SourcePath string // 変換対象PDFのパス
	OutputDir  string // エンジンが成果物を書き込むディレクトリ
	APIKey     string
	BaseURL    string
	Model      string
	Workers    int // エンジン内部の並列度（PDF 1件あたり）
}

// Outcome は変換成功時の結果です。
type Outcome struct {
	Content   string   // 抽出されたMarkdownコンテンツ
	Artifacts []string // OutputDir に生成された補助ファイル名（ページ画像など）
}

// Engine は外部のPDF→Markdown変換エンジンへの境界です。
// 呼び出しはブロッキングで数秒〜数分かかることがあります。
// エンジン側にリトライ方針がある場合もここでは関知しません。
type Engine interface {
	Convert(ctx context.Context, req Request) (*Outcome, error)
}

// CommandEngine は gptpdf CLI を起動する Engine 実装です。
// 標準出力の JSON（{"content": ..., "images": [...]}）を結果として読み取ります。
type CommandEngine struct {
	Command string
}

// NewCommandEngine は CommandEngine を作成します。
func NewCommandEngine(command string) *CommandEngine {
	if command == "" {
		command = "gptpdf"
	}
	return &CommandEngine{Command: command}
}

// Convert はエンジンCLIを実行して結果を返します。
// ctx の期限切れはプロセス停止として反映されます。
func (e *CommandEngine) Convert(ctx context.Context, req Request) (*Outcome, error) {
	if req.SourcePath == "" {
		return nil, newError("INVALID_INPUT", "変換対象のPDFパスが指定されていません。", nil)
	}
	if req.OutputDir == "" {
		return nil, newError("INVALID_INPUT", "出力ディレクトリが指定されていません。", nil)
	}

	args := []string{
		"--output-dir", req.OutputDir,
		"--model", req.Model,
		"--workers", strconv.Itoa(req.Workers),
	}
	if req.BaseURL != "" {
		args = append(args, "--base-url", req.BaseURL)
	}
	args = append(args, req.SourcePath)

	cmd := exec.CommandContext(ctx, e.Command, args...)
	// APIキーはコマンドラインに出さず子プロセスの環境変数で渡す
	cmd.Env = append(os.Environ(), "OPENAI_API_KEY="+req.APIKey)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, newError("CONVERSION_FAILED", fmt.Sprintf("変換エンジンの実行に失敗しました: %s", stderrTail(&stderr)), err)
	}

	var payload struct {
		Content string   `json:"content"`
		Images  []string `json:"images"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return nil, newError("CONVERSION_FAILED", "変換エンジンの出力を解釈できませんでした。", err)
	}

	return &Outcome{
		Content:   payload.Content,
		Artifacts: payload.Images,
	}, nil
}

// stderrTail はエラー表示用に標準エラーの末尾のみを返します。
func stderrTail(buf *bytes.Buffer) string {
	const maxTail = 512
	s := strings.TrimSpace(buf.String())
	if len(s) > maxTail {
		s = "..." + s[len(s)-maxTail:]
	}
	if s == "" {
		s = "(no engine output)"
	}
	return s
}
