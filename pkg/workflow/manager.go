// Package workflow は、パイプラインの各工程を担う Runner 群を構築・管理します。
// 各ステージのチェックポイント（animation_episodes.json / animation_metadata.json 等）は
// すべて出力ディレクトリに置かれ、どのステージからでも再開できるのだ。
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/animate"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/casting"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/continuity"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/grid"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/quality"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/refinement"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/screenplay"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/storyboard"

	"golang.org/x/sync/errgroup"
)

// チェックポイントのファイル名なのだ
const (
	EpisodesFilename = "animation_episodes.json"
	MetadataFilename = "animation_metadata.json"
)

// Args は Manager の組み立てに必要な依存の束です。
// Service と Catalog と Library は必須で、Video は animate ステージを
// 使うときだけ要ります。
type Args struct {
	Service gateway.Service
	Video   gateway.VideoService
	Catalog *catalog.Catalog
	Library *prompts.Library
	Stage   config.Config

	TextModel  string
	ImageModel string
	VideoModel string
	QAModel    string

	OutDir     string
	Workers    int
	Threshold  int
	Resolution string

	// グリッド画像生成の再現性パラメータ（nil なら各モデルの既定値）
	Seed        *int32
	Temperature *float32
	TopP        *float32
}

// Manager は、ワークフローの各工程を担う Runner 群を構築・管理します。
type Manager struct {
	args   Args
	caster *casting.Runner
}

// New は設定を基に新しい Manager を初期化します。
func New(args Args) (*Manager, error) {
	if args.Service == nil {
		return nil, fmt.Errorf("gateway.Service は必須です")
	}
	if args.Catalog == nil {
		return nil, fmt.Errorf("catalog.Catalog は必須です")
	}
	if args.Library == nil {
		return nil, fmt.Errorf("prompts.Library は必須です")
	}
	if args.Workers <= 0 {
		args.Workers = 1
	}
	caster := casting.NewRunner(args.Service, args.Catalog, args.Library, args.Stage,
		args.TextModel, args.ImageModel, args.Workers)
	return &Manager{args: args, caster: caster}, nil
}

// Cast は物語テキストに対してキャスティングだけを実行するのだ。
func (m *Manager) Cast(ctx context.Context, text string) error {
	return m.caster.Run(ctx, text)
}

// Storyboard は脚本分解 → エピソード単位キャスティング → シーン展開を実行し、
// animation_episodes.json と animation_metadata.json を保存します。
func (m *Manager) Storyboard(ctx context.Context, text string) (*domain.SceneCorpus, error) {
	sp, err := screenplay.NewRunner(m.args.Service, m.args.Library, m.args.TextModel).Run(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("脚本分解に失敗しました: %w", err)
	}
	if err := m.saveJSON(EpisodesFilename, sp); err != nil {
		return nil, err
	}

	// 脚色の過程で初登場した人物・場所を拾うため、エピソードJSONで
	// もう一度キャスティングを回します。既知の識別子はスキップされます。
	epJSON, err := json.MarshalIndent(sp.Episodes, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := m.caster.Run(ctx, string(epJSON)); err != nil {
		return nil, fmt.Errorf("エピソードキャスティングに失敗しました: %w", err)
	}

	runner := storyboard.NewRunner(m.args.Service, m.args.Catalog, m.args.Library, m.args.Stage,
		m.args.TextModel, m.args.OutDir, m.args.Workers)
	corpus, err := runner.Run(ctx, sp)
	if err != nil {
		return nil, fmt.Errorf("シーン展開に失敗しました: %w", err)
	}
	if err := m.saveJSON(MetadataFilename, corpus); err != nil {
		return nil, err
	}
	return corpus, nil
}

// Grid は全シーンの統合グリッド生成と切り出しを並列実行します。
// 個別シーンの失敗は記録して先へ進みますが、割当枯渇は即時停止させます。
func (m *Manager) Grid(ctx context.Context, corpus *domain.SceneCorpus) error {
	renderer := grid.NewRenderer(m.args.Service, m.args.Catalog, m.args.Library, m.args.Stage,
		m.args.ImageModel, m.args.TextModel, m.args.OutDir)
	renderer.Seed = m.args.Seed
	renderer.Temperature = m.args.Temperature
	renderer.TopP = m.args.TopP

	results := make([]error, len(corpus.Scenes))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.args.Workers)
	for i, scene := range corpus.Scenes {
		i, scene := i, scene
		eg.Go(func() error {
			err := renderer.RenderScene(egCtx, scene)
			if err != nil && gateway.IsQuotaExhausted(err) {
				return err
			}
			results[i] = err
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	failed := 0
	for i, err := range results {
		if err != nil {
			slog.Error("シーンのグリッド生成に失敗しました", "scene", corpus.Scenes[i].SceneID, "error", err)
			failed++
		}
	}
	slog.Info("GRID: done", "scenes", len(corpus.Scenes), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d シーンのグリッド生成に失敗しました", failed)
	}
	return nil
}

// Preroll はキャスティング → 脚本分解 → シーン展開 → グリッド生成を一気通貫で実行するのだ。
func (m *Manager) Preroll(ctx context.Context, text string) error {
	if err := m.Cast(ctx, text); err != nil {
		return err
	}
	corpus, err := m.Storyboard(ctx, text)
	if err != nil {
		return err
	}
	return m.Grid(ctx, corpus)
}

// Quality は品質ゲートを実行してレポートを保存します。
// 合否の判定は呼び出し側（CLI）が Report.NeedsRefinement で行います。
func (m *Manager) Quality(ctx context.Context, corpus *domain.SceneCorpus) (*domain.QualityReport, error) {
	gate := quality.NewGate(m.args.Service, m.args.Catalog, m.args.Stage,
		m.args.QAModel, m.args.OutDir, m.args.Threshold, m.args.Workers)
	report, err := gate.Run(ctx, corpus)
	if err != nil {
		return nil, err
	}
	if err := gate.SaveReport(report, ""); err != nil {
		return nil, err
	}
	return report, nil
}

// Continuity は2パスの整合化を実行するのだ。出力は animation_metadata_consistent.json で、
// 元のスナップショットは決して上書きされないのだ。
func (m *Manager) Continuity(ctx context.Context, corpus *domain.SceneCorpus) (*domain.SceneCorpus, error) {
	enforcer := continuity.NewEnforcer(m.args.Service, m.args.Catalog, m.caster,
		m.args.TextModel, m.args.OutDir, m.args.Workers)
	return enforcer.Run(ctx, corpus)
}

// Refine は品質レポートで不合格になったパネルを一括リファインします。
func (m *Manager) Refine(ctx context.Context, corpus *domain.SceneCorpus) (refinement.Stats, error) {
	report, err := quality.LoadReport(filepath.Join(m.args.OutDir, quality.ReportFilename))
	if err != nil {
		return refinement.Stats{}, err
	}
	refiner := refinement.NewRefiner(m.args.Service, m.args.Catalog, m.args.Library, m.args.Stage,
		m.args.ImageModel, m.args.OutDir, m.args.Workers, report)
	return refiner.Batch(ctx, corpus, report)
}

// Animate はパネルから動画クリップを生成します。Video サービスが必須です。
func (m *Manager) Animate(ctx context.Context, corpus *domain.SceneCorpus) (animate.Stats, error) {
	if m.args.Video == nil {
		return animate.Stats{}, fmt.Errorf("動画サービスが設定されていません")
	}
	animator := animate.NewAnimator(m.args.Video, m.args.Service, m.args.Catalog,
		m.args.VideoModel, m.args.TextModel, m.args.Resolution, m.args.OutDir)
	return animator.Run(ctx, corpus)
}

// LoadCorpus は保存済みメタデータを読み込みます。整合化済みスナップショット
// （animation_metadata_consistent.json）があればそちらを優先するのだ。
func (m *Manager) LoadCorpus() (*domain.SceneCorpus, error) {
	consistent := filepath.Join(m.args.OutDir, continuity.ConsistentFilename)
	if _, err := os.Stat(consistent); err == nil {
		slog.Info("整合化済みメタデータを使用します", "path", consistent)
		return loadCorpus(consistent)
	}
	return loadCorpus(filepath.Join(m.args.OutDir, MetadataFilename))
}

// LoadOriginalCorpus は整合化前の元メタデータを読み込みます。
// 整合化ステージ自身の入力はこちらです。
func (m *Manager) LoadOriginalCorpus() (*domain.SceneCorpus, error) {
	return loadCorpus(filepath.Join(m.args.OutDir, MetadataFilename))
}

func loadCorpus(path string) (*domain.SceneCorpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("メタデータの読み込みに失敗しました (%s): %w", path, err)
	}
	var corpus domain.SceneCorpus
	if err := json.Unmarshal(data, &corpus); err != nil {
		return nil, fmt.Errorf("メタデータのパースに失敗しました (%s): %w", path, err)
	}
	return &corpus, nil
}

func (m *Manager) saveJSON(name string, v any) error {
	if err := os.MkdirAll(m.args.OutDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.args.OutDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("チェックポイントの保存に失敗しました (%s): %w", name, err)
	}
	slog.Info("Checkpoint saved", "path", path)
	return nil
}
