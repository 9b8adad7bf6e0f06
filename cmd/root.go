// Package cmd はCLIのエントリポイント群です。各コマンドは薄く保ち、
// 実際の工程は pkg/workflow の Manager に委ねるのだ。
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	appcfg "github.com/SDSmirnov/AI-Story-To-Movie/internal/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/workflow"

	"github.com/spf13/cobra"
	"google.golang.org/genai"
)

// options は CLI フラグから渡される実行時のパラメータなのだ。
type options struct {
	StoryFile     string // --story-file
	OutDir        string // --out
	CatalogDir    string // --catalog
	PromptsDir    string // --prompts
	CustomPrompts string // --custom-prompts
	StageConfig   string // --config
	Workers       int    // --workers
	Threshold     int    // --threshold
	Verbose       bool   // --verbose
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "ai-story-to-movie",
	Short: "物語テキストから絵コンテ・パネル画像・動画クリップまでを生成するパイプラインなのだ",
	Long: `物語テキストを脚本に分解し、参照カタログで人物・場所の見た目を固定しながら
シーンごとのグリッド画像、品質ゲート、整合化、リファイン、動画クリップ生成までを
段階的に実行するのだ。各ステージはチェックポイントから再開できるのだよ。`,
	PersistentPreRunE: preRunE,
	SilenceUsage:      true,
}

func init() {
	env := appcfg.Load()

	rootCmd.PersistentFlags().StringVarP(&opts.StoryFile, "story-file", "f", "", "入力する物語テキストのパス（'-'で標準入力なのだ）。")
	rootCmd.PersistentFlags().StringVarP(&opts.OutDir, "out", "o", env.OutputDir, "成果物の出力ディレクトリなのだ。")
	rootCmd.PersistentFlags().StringVar(&opts.CatalogDir, "catalog", env.CatalogDir, "参照カタログ（人物・場所の正準画像）のディレクトリなのだ。")
	rootCmd.PersistentFlags().StringVar(&opts.PromptsDir, "prompts", env.PromptsDir, "プロンプトテンプレートのディレクトリなのだ。")
	rootCmd.PersistentFlags().StringVar(&opts.CustomPrompts, "custom-prompts", env.CustomPromptsDir, "優先して使うカスタムテンプレートのディレクトリなのだ。")
	rootCmd.PersistentFlags().StringVar(&opts.StageConfig, "config", env.StageConfigFile, "ステージ設定（グリッド形式など）のJSONパスなのだ。")
	rootCmd.PersistentFlags().IntVar(&opts.Workers, "workers", env.Concurrency, "並列実行するワーカー数なのだ。")
	rootCmd.PersistentFlags().IntVar(&opts.Threshold, "threshold", env.Threshold, "品質ゲートの合格点（fidelity / consistency）なのだ。")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "デバッグログを出すのだ。")

	rootCmd.AddCommand(castCmd, storyboardCmd, gridCmd, runCmd, qualityCmd, continuityCmd, refineCmd, animateCmd)
}

// preRunE は、コマンド実行前にログ設定と環境変数の必須チェックを行うのだ。
func preRunE(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Gemini APIを利用するため、APIキーの存在チェックは欠かせないのだ！
	if os.Getenv("IMG_AI_API_KEY") == "" && os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("エラー: 環境変数 IMG_AI_API_KEY / GEMINI_API_KEY のどちらも設定されていません")
	}
	return nil
}

// buildManager は環境変数とフラグから Manager を組み立てるのだ。
func buildManager(ctx context.Context) (*workflow.Manager, error) {
	env := appcfg.Load()

	limiters := gateway.NewLimiterSet(map[gateway.ServiceClass]int{
		gateway.ClassGenerate: env.GenerateRPM,
		gateway.ClassRefine:   env.RefineRPM,
		gateway.ClassQA:       env.QARPM,
	})
	policy := gateway.DefaultRetryPolicy()
	policy.MaxRetries = env.MaxRetries

	client, err := gateway.NewClient(ctx, env.APIKey, limiters, policy)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(opts.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("参照カタログを開けません: %w", err)
	}
	lib, err := prompts.Load(opts.PromptsDir, opts.CustomPrompts)
	if err != nil {
		return nil, err
	}
	stage, err := config.Load(opts.StageConfig)
	if err != nil {
		return nil, err
	}

	return workflow.New(workflow.Args{
		Service:     client,
		Video:       client,
		Catalog:     cat,
		Library:     lib,
		Stage:       stage,
		TextModel:   env.TextModel,
		ImageModel:  env.ImageModel,
		VideoModel:  env.VideoModel,
		QAModel:     env.QAModel,
		OutDir:      opts.OutDir,
		Workers:     opts.Workers,
		Threshold:   opts.Threshold,
		Resolution:  env.Resolution,
		Seed:        genai.Ptr(env.Seed),
		Temperature: genai.Ptr(env.ImageTemp),
		TopP:        genai.Ptr(env.ImageTopP),
	})
}

// readStory は --story-file で指定されたテキストを読み込むのだ。
func readStory() (string, error) {
	if opts.StoryFile == "" {
		return "", fmt.Errorf("入力テキスト（--story-file）を指定してほしいのだ")
	}
	if opts.StoryFile == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("標準入力の読み込みに失敗しました: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(opts.StoryFile)
	if err != nil {
		return "", fmt.Errorf("物語テキストの読み込みに失敗しました (%s): %w", opts.StoryFile, err)
	}
	return string(data), nil
}

// Execute は、アプリケーションのメインエントリポイントなのだ。
// main.go から呼び出されて、cobra のコマンドライン解析を開始するのだよ。
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
