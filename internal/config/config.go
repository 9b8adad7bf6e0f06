// Package config はアプリケーション全体の環境設定（APIキーやモデル名）を
// 環境変数から読み込みます。ステージ固有の設定（グリッド形式など）は
// pkg/config の config.json が担当し、ここでは扱いません。
package config

import (
	"os"
	"strconv"
)

// デフォルト値の定義なのだ
const (
	DefaultTextModel  = "gemini-2.5-pro"
	DefaultImageModel = "gemini-3-pro-image-preview"
	DefaultVideoModel = "veo-3.1-fast-generate-preview"
	DefaultQAModel    = "gemini-2.5-flash"

	DefaultConcurrency = 10
	DefaultSeed        = 42
	DefaultImageTemp   = 0.35
	DefaultImageTopP   = 0.6

	// 1分あたりの呼び出し上限。無料枠のレートに合わせてあります。
	DefaultGenerateRPM = 20
	DefaultRefineRPM   = 25
	DefaultQARPM       = 30

	DefaultMaxRetries = 3
	DefaultThreshold  = 5
	DefaultResolution = "720p"

	DefaultOutputDir        = "cinematic_render"
	DefaultCatalogDir       = "references"
	DefaultPromptsDir       = "prompts"
	DefaultCustomPromptsDir = "custom_prompts"
	DefaultStageConfigFile  = "config.json"
)

// Config はプロセス全体の実行時設定を保持する構造体なのだ。
type Config struct {
	APIKey string

	TextModel  string
	ImageModel string
	VideoModel string
	QAModel    string

	Concurrency int
	Seed        int32
	ImageTemp   float32
	ImageTopP   float32

	GenerateRPM int
	RefineRPM   int
	QARPM       int
	MaxRetries  uint

	Threshold  int
	Resolution string

	OutputDir        string
	CatalogDir       string
	PromptsDir       string
	CustomPromptsDir string
	StageConfigFile  string
}

// Load は環境変数から設定を読み込み、構造体を返すのだ！
// APIキーは IMG_AI_API_KEY を優先し、無ければ GEMINI_API_KEY に落ちます。
func Load() *Config {
	apiKey := os.Getenv("IMG_AI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	return &Config{
		APIKey: apiKey,

		TextModel:  getEnv("AI_TEXT_MODEL", DefaultTextModel),
		ImageModel: getEnv("AI_IMAGE_MODEL", DefaultImageModel),
		VideoModel: getEnv("AI_VIDEO_MODEL", DefaultVideoModel),
		QAModel:    getEnv("AI_QA_MODEL", DefaultQAModel),

		Concurrency: getEnvInt("AI_CONCURRENCY", DefaultConcurrency),
		Seed:        int32(getEnvInt("AI_SEED", DefaultSeed)),
		ImageTemp:   getEnvFloat("AI_IMAGE_TEMP", DefaultImageTemp),
		ImageTopP:   getEnvFloat("AI_IMAGE_TOP_P", DefaultImageTopP),

		GenerateRPM: getEnvInt("AI_GENERATE_RPM", DefaultGenerateRPM),
		RefineRPM:   getEnvInt("AI_REFINE_RPM", DefaultRefineRPM),
		QARPM:       getEnvInt("AI_QA_RPM", DefaultQARPM),
		MaxRetries:  uint(getEnvInt("AI_MAX_RETRIES", DefaultMaxRetries)),

		Threshold:  getEnvInt("AI_QA_THRESHOLD", DefaultThreshold),
		Resolution: getEnv("AI_VIDEO_RESOLUTION", DefaultResolution),

		OutputDir:        getEnv("AI_OUTPUT_DIR", DefaultOutputDir),
		CatalogDir:       getEnv("AI_REF_DIR", DefaultCatalogDir),
		PromptsDir:       getEnv("AI_PROMPTS_DIR", DefaultPromptsDir),
		CustomPromptsDir: getEnv("AI_CUSTOM_PROMPTS_DIR", DefaultCustomPromptsDir),
		StageConfigFile:  getEnv("AI_STAGE_CONFIG", DefaultStageConfigFile),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
