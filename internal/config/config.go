// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル配置
	UploadDir string // アップロード元PDFの保存先ディレクトリ
	OutputDir string // 変換結果（Markdown・画像）の出力先ディレクトリ

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages    int   // 単一ファイルの最大ページ数（0は無制限）

	// ワーカープール設定
	PoolSize       int // 同時に変換を実行するワーカー数
	QueueCapacity  int // 投入待ちキューの上限（超過時は受付拒否）
	ConvertTimeout int // 1件の変換に許容する時間（分、0は無制限）

	// 変換エンジン設定
	EngineCommand string // gptpdf CLI の実行ファイルパス
	DefaultModel  string // model未指定時に使用するモデル名
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル配置
		UploadDir: getEnv("UPLOAD_DIR", "uploads"),
		OutputDir: getEnv("OUTPUT_DIR", "outputs"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 524288000), // 500MB
		MaxPages:    getEnvAsInt("MAX_PAGES", 0),

		// ワーカープール設定
		PoolSize:       getEnvAsInt("POOL_SIZE", 5),
		QueueCapacity:  getEnvAsInt("QUEUE_CAPACITY", 64),
		ConvertTimeout: getEnvAsInt("CONVERT_TIMEOUT_MINUTES", 0),

		// 変換エンジン設定
		EngineCommand: getEnv("ENGINE_COMMAND", "gptpdf"),
		DefaultModel:  getEnv("DEFAULT_MODEL", "gpt-4o"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("POOL_SIZE must be at least 1")
	}
	if c.PoolSize > 16 {
		return fmt.Errorf("POOL_SIZE must not exceed 16")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}
	if c.GinMode == "release" {
		if c.EngineCommand == "" {
			return fmt.Errorf("ENGINE_COMMAND is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
