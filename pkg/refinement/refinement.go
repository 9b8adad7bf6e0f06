// Package refinement は品質ゲートで不合格になったパネルを、元画像を
// 構図の手本として保ちながら参照画像に合わせて描き直します。
// 成果物は refined/ 配下の別ファイルで、元のパネルは上書きしません。
package refinement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/asset"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

// Stats は一括リファインの結果集計です。
type Stats struct {
	Refined int
	Skipped int
	Failed  int
}

// Refiner はリファインステージの実行体です。
type Refiner struct {
	svc     gateway.Service
	cat     *catalog.Catalog
	lib     *prompts.Library
	cfg     config.Config
	model   string
	outDir  string
	workers int

	// quality_report.json から引いた "sid_pid" -> refinement_prompt
	qualityPrompts map[string]string
}

// NewRefiner はリファインステージを組み立てます。report は品質ゲートの
// 出力で、パネル固有の修正指示の供給源です。nil でも動作します。
func NewRefiner(svc gateway.Service, cat *catalog.Catalog, lib *prompts.Library, cfg config.Config, model, outDir string, workers int, report *domain.QualityReport) *Refiner {
	if workers <= 0 {
		workers = 1
	}
	qp := make(map[string]string)
	if report != nil {
		for _, d := range report.Panels {
			if d.RefinementPrompt != "" {
				qp[fmt.Sprintf("%d_%d", d.SceneID, d.PanelID)] = d.RefinementPrompt
			}
		}
	}
	return &Refiner{svc: svc, cat: cat, lib: lib, cfg: cfg, model: model, outDir: outDir, workers: workers, qualityPrompts: qp}
}

// RefinedDir はリファイン済みパネルの保存先を返すのだ。
func (r *Refiner) RefinedDir() string {
	return filepath.Join(r.outDir, "refined")
}

func (r *Refiner) panelsDir() string {
	return filepath.Join(r.outDir, "panels")
}

// Batch は品質レポートで要リファインとされた全パネルを処理します。
// 既に refined 版が存在するパネルはスキップされ、個別の失敗は
// 集計に記録するだけで残りの処理を続けます。
func (r *Refiner) Batch(ctx context.Context, corpus *domain.SceneCorpus, report *domain.QualityReport) (Stats, error) {
	if err := os.MkdirAll(r.RefinedDir(), 0o755); err != nil {
		return Stats{}, err
	}

	roles := r.frameRoles()
	var stats Stats
	type task struct {
		addr asset.PanelAddress
	}
	var tasks []task
	for _, d := range report.Panels {
		if !d.NeedsRefinement {
			continue
		}
		for _, role := range roles {
			addr := asset.PanelAddress{SceneID: d.SceneID, PanelIndex: d.PanelID, Role: role}
			if _, err := os.Stat(filepath.Join(r.RefinedDir(), addr.RefinedFilename())); err == nil {
				stats.Skipped++
				continue
			}
			tasks = append(tasks, task{addr: addr})
		}
	}
	slog.Info("REFINEMENT: batch start",
		"panels_flagged", report.NeedsRefinement, "tasks", len(tasks), "skipped", stats.Skipped)

	results := make([]error, len(tasks))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers)
	for i, tk := range tasks {
		i, tk := i, tk
		eg.Go(func() error {
			err := r.RefinePanel(egCtx, corpus, tk.addr)
			if err != nil && gateway.IsQuotaExhausted(err) {
				return err
			}
			results[i] = err
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return stats, err
	}
	for i, err := range results {
		if err != nil {
			slog.Error("パネルのリファインに失敗しました", "panel", tasks[i].addr.Key(), "error", err)
			stats.Failed++
		} else {
			stats.Refined++
		}
	}
	slog.Info("REFINEMENT: batch done", "refined", stats.Refined, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

// frameRoles は設定からリファイン対象のフレーム役割を決めるのだ。
func (r *Refiner) frameRoles() []asset.FrameRole {
	if len(r.cfg.Slicing.FrameTypes) == 0 {
		return []asset.FrameRole{asset.FrameStatic}
	}
	roles := make([]asset.FrameRole, 0, len(r.cfg.Slicing.FrameTypes))
	for _, ft := range r.cfg.Slicing.FrameTypes {
		roles = append(roles, asset.FrameRole(ft))
	}
	return roles
}

// RefinePanel は1パネルのリファイン画像を生成して保存します。
// 元画像は構図の手本として必ず添付され、参照画像が1枚も無いパネルは
// 直す基準が無いためエラーになります。
func (r *Refiner) RefinePanel(ctx context.Context, corpus *domain.SceneCorpus, addr asset.PanelAddress) error {
	scene, panel := corpus.FindPanel(addr.SceneID, addr.PanelIndex)
	if scene == nil || panel == nil {
		return fmt.Errorf("パネルがメタデータにありません: %s", addr.Key())
	}

	original, err := os.ReadFile(filepath.Join(r.panelsDir(), addr.Filename()))
	if err != nil {
		return fmt.Errorf("元パネルの読み込みに失敗しました (%s): %w", addr.Filename(), err)
	}

	var parts []gateway.Part
	var loaded []string
	for _, name := range panel.References {
		ref, ok := r.cat.Lookup(name)
		if !ok {
			continue
		}
		img, ok := r.cat.ImageFor(name)
		if !ok {
			continue
		}
		desc := ref.VideoVisualDesc
		if desc == "" {
			desc = ref.VisualDesc
		}
		parts = append(parts,
			gateway.Part{Text: fmt.Sprintf("Reference %q (%s):\n%s", ref.Name, ref.Type, desc)},
			gateway.Part{Image: img},
		)
		loaded = append(loaded, ref.Name)
	}
	if len(parts) == 0 {
		return fmt.Errorf("読み込める参照が1つもありません (%s): refs=%v", addr.Key(), panel.References)
	}
	parts = append([]gateway.Part{{Text: "# CHARACTER/LOCATION REFERENCE LIBRARY\nUse these for accurate visual details:\n"}}, parts...)
	parts = append(parts,
		gateway.Part{Text: "\n# ORIGINAL COMPOSITION REFERENCE\nPreserve this exact composition, lighting, and layout:\n"},
		gateway.Part{Image: original},
	)

	slog.Info("Refining panel", "panel", addr.Key(), "role", addr.Role, "refs", loaded)

	art, err := r.svc.GenerateImage(ctx, gateway.ImageRequest{
		Model:       r.model,
		Class:       gateway.ClassRefine,
		Prompt:      r.refinePrompt(scene, panel, addr),
		Parts:       parts,
		AspectRatio: r.cfg.ImageGeneration.AspectRatio,
		ImageSize:   "1K",
		Temperature: genai.Ptr[float32](0.4),
		TopP:        genai.Ptr[float32](0.8),
		Seed:        genai.Ptr[int32](42),
	})
	if err != nil {
		return err
	}

	refinedPath := filepath.Join(r.RefinedDir(), addr.RefinedFilename())
	if err := os.WriteFile(refinedPath, art.Data, 0o644); err != nil {
		return fmt.Errorf("リファイン画像の保存に失敗しました (%s): %w", addr.Key(), err)
	}

	// 追跡用の付帯メタデータ
	meta := map[string]any{
		"scene_id":           addr.SceneID,
		"panel_id":           addr.PanelIndex,
		"frame_type":         string(addr.Role),
		"references_used":    loaded,
		"visual_description": r.visualFor(panel, addr.Role),
	}
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	metaPath := strings.TrimSuffix(refinedPath, ".png") + ".json"
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return err
	}
	return nil
}

// visualFor はフレーム役割に応じた視覚記述を選ぶのだ。
func (r *Refiner) visualFor(panel *domain.Panel, role asset.FrameRole) string {
	switch role {
	case asset.FrameStart:
		return panel.VisualStart
	case asset.FrameEnd:
		return panel.VisualEnd
	default:
		if panel.VisualStart != "" {
			return panel.VisualStart
		}
		return panel.VisualEnd
	}
}

func (r *Refiner) refinePrompt(scene *domain.Scene, panel *domain.Panel, addr asset.PanelAddress) string {
	panelSpecific := ""
	if qp, ok := r.qualityPrompts[fmt.Sprintf("%d_%d", addr.SceneID, addr.PanelIndex)]; ok {
		panelSpecific = fmt.Sprintf("\n## IMPORTANT PANEL-SPECIFIC INSTRUCTIONS\n%s\n", qp)
	}

	return fmt.Sprintf(`%s

%s

%s

# REFINEMENT TASK

You are given:
1. ORIGINAL IMAGE - current panel that serves as COMPOSITION REFERENCE
2. CHARACTER/LOCATION VISUAL REFERENCES - for accurate appearance details

## CRITICAL REQUIREMENTS:

### PRESERVE FROM ORIGINAL:
- Camera angle, framing, composition
- Lighting setup (direction, quality, mood)
- Character positions and poses
- Overall scene layout and depth
- Motion and dynamics (if any)

### REFINE/CORRECT:
- Character facial features (use reference images)
- Character clothing and accessories (use reference images)
- Character hair, build, and physical traits (use reference images)
- Location/environment details (use reference images)
- Object appearances (use reference images)
- Fine details consistency with references

## SCENE CONTEXT:
Location: %s
Setup: %s

## PANEL DESCRIPTION:
%s

Camera & Lighting: %s
Motion: %s

## DIALOGUE:
%s

## INSTRUCTIONS:
Generate a refined version of the original image that:
1. Keeps EXACT same composition, framing, camera angle
2. Keeps EXACT same lighting setup and mood
3. Keeps EXACT same character positions and poses
4. CORRECTS character appearances to match reference images
5. CORRECTS location/object details to match reference images
6. Maintains visual quality and cinematic feel
%s
DO NOT change the composition or layout - only refine the visual details!
No captions or text overlays!
`, r.lib.Style, r.lib.Imagery, r.lib.Setting,
		scene.Location, scene.PreActionDescription,
		r.visualFor(panel, addr.Role), panel.LightsAndCamera, panel.MotionPrompt,
		panel.Dialogue, panelSpecific)
}
