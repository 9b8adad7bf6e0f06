// Package quality は生成済みパネルを脚本記述・参照画像と突き合わせて採点する
// 品質ゲートです。採点はパネル単位で独立に行われ、評価不能なパネルには
// 悲観的な判定（全スコア0・要リファイン）を与えます。
package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/asset"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/grid"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	_ "image/png"
)

// ReportFilename は品質レポートの既定ファイル名です。
const ReportFilename = "quality_report.json"

// panelQASchema はパネル採点応答のスキーマです。
var panelQASchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"fidelity": {
			Type:        genai.TypeInteger,
			Description: "Overall visual fidelity score 0-10. 10 = perfect match to references and description. 0 = completely wrong.",
		},
		"character_consistency": {
			Type:        genai.TypeInteger,
			Description: "How well characters match their reference images 0-10. Evaluate face, hair, build, clothing, helmet design. 0 if no characters expected. 10 = identical to reference.",
		},
		"composition_match": {
			Type:        genai.TypeInteger,
			Description: "How well the panel matches the requested shot type, camera angle, and framing 0-10.",
		},
		"artifacts": {
			Type:        genai.TypeArray,
			Items:       &genai.Schema{Type: genai.TypeString},
			Description: "List of specific visual artifacts or errors found: extra fingers, melted faces, wrong number of people, text/watermarks, broken geometry, etc.",
		},
		"needs_refinement": {
			Type:        genai.TypeBoolean,
			Description: "True if the panel should be regenerated or refined.",
		},
		"refinement_prompt": {
			Type:        genai.TypeString,
			Description: "If needs_refinement is true: a precise prompt describing WHAT to fix. Reference specific issues. If false: empty string.",
		},
		"reasoning": {
			Type:        genai.TypeString,
			Description: "Brief explanation of the scores.",
		},
	},
	Required: []string{
		"fidelity", "character_consistency", "composition_match",
		"artifacts", "needs_refinement", "refinement_prompt", "reasoning",
	},
}

// Gate は品質ゲートの実行体です。
type Gate struct {
	svc       gateway.Service
	cat       *catalog.Catalog
	cfg       config.Config
	model     string
	outDir    string
	threshold int
	workers   int
	maxRefs   int
}

// NewGate は品質ゲートを組み立てます。threshold は fidelity /
// character_consistency の合格下限です。
func NewGate(svc gateway.Service, cat *catalog.Catalog, cfg config.Config, model, outDir string, threshold, workers int) *Gate {
	if workers <= 0 {
		workers = 1
	}
	return &Gate{
		svc: svc, cat: cat, cfg: cfg, model: model, outDir: outDir,
		threshold: threshold, workers: workers, maxRefs: 6,
	}
}

// Run は全シーンのパネルを採点し、(scene_id, panel_id) 順のレポートを返します。
// パネル画像は保存済みの切り出しには頼らず、統合グリッドから独立に
// 切り出し直します（切り出し側の不具合を検出対象に含めるためです）。
func (g *Gate) Run(ctx context.Context, corpus *domain.SceneCorpus) (*domain.QualityReport, error) {
	slog.Info("QUALITY GATE: scoring panels", "scenes", len(corpus.Scenes), "threshold", g.threshold)

	var mu sync.Mutex
	var all []domain.Directive

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for _, scene := range corpus.Scenes {
		scene := scene
		eg.Go(func() error {
			results, err := g.scoreScene(egCtx, scene)
			if err != nil {
				// シーン単位の失敗（グリッド欠落等）は採点対象から外すだけ
				slog.Warn("シーンを採点できませんでした", "scene", scene.SceneID, "error", err)
				return nil
			}
			mu.Lock()
			all = append(all, results...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].SceneID != all[j].SceneID {
			return all[i].SceneID < all[j].SceneID
		}
		return all[i].PanelID < all[j].PanelID
	})

	report := g.assembleReport(all)
	g.logSummary(report)
	return report, nil
}

// scoreScene は1シーンの統合グリッドを切り出し直して全パネルを採点するのだ。
func (g *Gate) scoreScene(ctx context.Context, scene domain.Scene) ([]domain.Directive, error) {
	gridPath := filepath.Join(g.outDir, asset.GridFilename(scene.SceneID))
	data, err := os.ReadFile(gridPath)
	if err != nil {
		return nil, fmt.Errorf("統合グリッドがありません: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("統合グリッドのデコードに失敗しました: %w", err)
	}

	crops, err := grid.CropGrid(img, scene.SceneID, g.cfg)
	if err != nil {
		return nil, err
	}
	// 採点対象はパネルごとに1枚。デュアルグリッドでは start 側を使う。
	wantRole := asset.FrameStatic
	if g.cfg.IsDualGrid() {
		wantRole = asset.FrameStart
	}
	byIndex := make(map[int]image.Image)
	for _, c := range crops {
		if c.Addr.Role == wantRole {
			byIndex[c.Addr.PanelIndex] = c.Img
		}
	}

	panels := append([]domain.Panel(nil), scene.Panels...)
	sort.Slice(panels, func(i, j int) bool { return panels[i].PanelIndex < panels[j].PanelIndex })

	var results []domain.Directive
	for _, panel := range panels {
		pimg, ok := byIndex[panel.PanelIndex]
		if !ok {
			slog.Warn("切り出し範囲外のパネルをスキップします", "scene", scene.SceneID, "panel", panel.PanelIndex)
			continue
		}
		d := g.scorePanel(ctx, pimg, panel, scene)
		d.Normalize()
		results = append(results, d)

		verdict := "OK"
		if d.NeedsRefinement {
			verdict = "NEEDS FIX"
		}
		slog.Info("Panel scored",
			"scene", scene.SceneID, "panel", panel.PanelIndex,
			"fidelity", d.Fidelity, "char_consistency", d.CharacterConsistency, "verdict", verdict)
	}
	return results, nil
}

// scorePanel は1パネルの採点呼び出しを行います。呼び出し失敗や応答不正は
// 上に伝播させず、悲観的判定（全スコア0・要リファイン・API_ERROR痕跡）を返します。
func (g *Gate) scorePanel(ctx context.Context, pimg image.Image, panel domain.Panel, scene domain.Scene) domain.Directive {
	refNames := panel.References
	if len(refNames) > g.maxRefs {
		refNames = refNames[:g.maxRefs]
	}

	var parts []gateway.Part
	var loaded []string
	for _, rname := range refNames {
		ref, ok := g.cat.Lookup(rname)
		if !ok {
			continue
		}
		rimg, ok := g.cat.ImageFor(rname)
		if !ok {
			continue
		}
		desc := ref.VideoVisualDesc
		if desc == "" {
			desc = ref.VisualDesc
		}
		parts = append(parts,
			gateway.Part{Text: fmt.Sprintf("Reference %q (%s):\n%s", ref.Name, ref.Type, desc)},
			gateway.Part{Image: rimg},
		)
		loaded = append(loaded, ref.Name)
	}
	if len(parts) > 0 {
		parts = append([]gateway.Part{{Text: "# CHARACTER/OBJECT REFERENCE IMAGES\n"}}, parts...)
	}

	var buf bytes.Buffer
	if err := grid.EncodePNG(&buf, pimg); err != nil {
		return g.pessimistic(panel, scene, refNames, loaded, err)
	}
	parts = append(parts,
		gateway.Part{Text: fmt.Sprintf("\n# PANEL %d TO ANALYZE\n", panel.PanelIndex)},
		gateway.Part{Image: buf.Bytes()},
		gateway.Part{Text: g.panelPrompt(panel, scene, refNames)},
	)

	raw, err := g.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:           g.model,
		Class:           gateway.ClassQA,
		Parts:           parts,
		Schema:          panelQASchema,
		Temperature:     genai.Ptr[float32](0.2),
		MaxOutputTokens: 32048,
	})
	if err != nil {
		return g.pessimistic(panel, scene, refNames, loaded, err)
	}

	var d domain.Directive
	if err := json.Unmarshal(raw, &d); err != nil {
		return g.pessimistic(panel, scene, refNames, loaded, err)
	}
	d.SceneID = scene.SceneID
	d.PanelID = panel.PanelIndex
	d.ReferencesExpected = refNames
	d.ReferencesLoaded = loaded
	return d
}

// pessimistic は評価不能パネルへの規定の判定なのだ。通過扱いは絶対にしないのだ。
func (g *Gate) pessimistic(panel domain.Panel, scene domain.Scene, expected, loaded []string, cause error) domain.Directive {
	slog.Error("パネルを採点できませんでした", "scene", scene.SceneID, "panel", panel.PanelIndex, "error", cause)
	msg := cause.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return domain.Directive{
		Fidelity:             0,
		CharacterConsistency: 0,
		CompositionMatch:     0,
		Artifacts:            []string{"API_ERROR: " + msg},
		NeedsRefinement:      true,
		RefinementPrompt:     "API call failed, manual review required.",
		Reasoning:            fmt.Sprintf("Error: %s", cause),
		SceneID:              scene.SceneID,
		PanelID:              panel.PanelIndex,
		ReferencesExpected:   expected,
		ReferencesLoaded:     loaded,
	}
}

func (g *Gate) panelPrompt(panel domain.Panel, scene domain.Scene, refNames []string) string {
	visual := panel.VisualStart
	if visual == "" {
		visual = panel.VisualEnd
	}
	motion := panel.MotionPrompt
	if len(motion) > 300 {
		motion = motion[:300]
	}

	type prevPanel struct {
		PanelIndex int    `json:"panel_index"`
		VisualDesc string `json:"visual_desc"`
	}
	var prev []prevPanel
	for _, p := range scene.Panels {
		if p.PanelIndex < panel.PanelIndex {
			prev = append(prev, prevPanel{PanelIndex: p.PanelIndex, VisualDesc: p.VisualEnd})
		}
	}
	prevJSON, _ := json.MarshalIndent(prev, "", "  ")

	expected := "None specified"
	if len(refNames) > 0 {
		expected = strings.Join(refNames, ", ")
	}

	return fmt.Sprintf(`You are a QA supervisor for an AI film production pipeline.

## TASK
Analyze this PANEL IMAGE against its script description and character references.
Score the visual fidelity and decide if the panel needs regeneration.

## SCENE CONTEXT
Scene ID: %d
Location: %s
Setup: %s

## PREVIOUS PANELS - FOR CONTEXT AND CONSISTENCY CHECKS
<PREV_PANELS>%s</PREV_PANELS>

## ANALYZED PANEL %d DESCRIPTION
Visual: %s
Camera/Lighting: %s
Motion intent: %s
Expected characters/objects: %s

## SCORING CRITERIA
- **fidelity** (0-10): Overall match to the description above.
- **character_consistency** (0-10): Do characters match the reference images?
  Check: face shape, hair color/style, age, build, clothing, helmet design.
  If the same character appears different from their reference, score LOW.
  Score 0 if no character references were expected for this panel.
- **composition_match** (0-10): Does the shot type, angle, framing match?
- **artifacts**: List ALL visual problems (extra limbs, wrong face, melted features,
  text overlays, wrong number of people, missing objects, etc.)
- **needs_refinement**: True if fidelity < %d OR character_consistency < %d
  OR critical artifacts exist.
- **refinement_prompt**: If needs_refinement, describe EXACTLY what to fix.
  Be specific: "Eckels' face does not match reference — wrong jaw shape, hair should
  be silver not brown. Helmet has circular viewport but should be fully transparent sphere."

## IMPORTANT
- Compare character faces CAREFULLY against reference images.
- Even small differences (hair color, eye color, facial structure) matter.
- A panel with beautiful composition but WRONG character face scores LOW on character_consistency.
- Panels without character references (landscapes, objects) can score 0 on character_consistency
  without needing refinement for that reason.
- Check narrative continuity
`, scene.SceneID, scene.Location, scene.PreActionDescription, prevJSON,
		panel.PanelIndex, visual, panel.LightsAndCamera, motion, expected,
		g.threshold, g.threshold)
}

// assembleReport は判定列から集計レポートを組み立てるのだ。
func (g *Gate) assembleReport(all []domain.Directive) *domain.QualityReport {
	report := &domain.QualityReport{
		Model:       g.model,
		Threshold:   g.threshold,
		TotalPanels: len(all),
		Panels:      all,
	}
	if len(all) == 0 {
		return report
	}
	var sumFid, sumCC int
	for _, d := range all {
		if d.NeedsRefinement {
			report.NeedsRefinement++
		}
		sumFid += d.Fidelity
		sumCC += d.CharacterConsistency
	}
	report.AvgFidelity = float64(sumFid) / float64(len(all))
	report.AvgConsistency = float64(sumCC) / float64(len(all))
	return report
}

// SaveReport はレポートをJSONで保存します。
func (g *Gate) SaveReport(report *domain.QualityReport, path string) error {
	if path == "" {
		path = filepath.Join(g.outDir, ReportFilename)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("品質レポートの保存に失敗しました: %w", err)
	}
	slog.Info("Quality report saved", "path", path)
	return nil
}

// LoadReport は保存済みレポートを読み込むのだ。リファインステージの入力になるのだ。
func LoadReport(path string) (*domain.QualityReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("品質レポートの読み込みに失敗しました (%s): %w", path, err)
	}
	var report domain.QualityReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("品質レポートのパースに失敗しました (%s): %w", path, err)
	}
	return &report, nil
}

func (g *Gate) logSummary(report *domain.QualityReport) {
	slog.Info("QUALITY GATE: summary",
		"total", report.TotalPanels,
		"needs_refinement", report.NeedsRefinement,
		"avg_fidelity", fmt.Sprintf("%.2f", report.AvgFidelity),
		"avg_consistency", fmt.Sprintf("%.2f", report.AvgConsistency),
		"threshold", report.Threshold)
}
