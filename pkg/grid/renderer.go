// Package grid はシーンの統合グリッド画像（全パネルを1枚に並べた画像）の
// 生成と、パネル単位の切り出しを担います。
package grid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
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

	"google.golang.org/genai"
)

// identifySchema は参照補完呼び出し（パネルに references が無いときの救済）の応答です。
var identifySchema = &genai.Schema{
	Type:  genai.TypeArray,
	Items: &genai.Schema{Type: genai.TypeString},
}

// Renderer はグリッド生成ステージの実行体です。
type Renderer struct {
	svc        gateway.Service
	cat        *catalog.Catalog
	lib        *prompts.Library
	cfg        config.Config
	imageModel string
	textModel  string
	outDir     string

	Seed        *int32
	Temperature *float32
	TopP        *float32
}

// NewRenderer はグリッド生成ステージを組み立てます。
func NewRenderer(svc gateway.Service, cat *catalog.Catalog, lib *prompts.Library, cfg config.Config, imageModel, textModel, outDir string) *Renderer {
	return &Renderer{svc: svc, cat: cat, lib: lib, cfg: cfg, imageModel: imageModel, textModel: textModel, outDir: outDir}
}

// CompositePath はシーンの統合グリッド画像の保存先を返すのだ。
func (r *Renderer) CompositePath(sceneID int) string {
	return filepath.Join(r.outDir, asset.GridFilename(sceneID))
}

// PanelsDir はパネル切り出しの保存先を返すのだ。
func (r *Renderer) PanelsDir() string {
	return filepath.Join(r.outDir, "panels")
}

// RenderScene は統合グリッドの生成と切り出しを行います。
// 既に統合画像が存在すれば生成はスキップしますが、切り出しは毎回行います
// （切り出しは決定的で、欠けたパネルファイルの補修を兼ねるため）。
func (r *Renderer) RenderScene(ctx context.Context, scene domain.Scene) error {
	composite := r.CompositePath(scene.SceneID)

	if _, err := os.Stat(composite); os.IsNotExist(err) {
		if err := r.generateComposite(ctx, scene, composite); err != nil {
			return err
		}
	} else {
		slog.Info("統合グリッドは生成済みのためスキップします", "scene", scene.SceneID)
	}

	if !r.cfg.Slicing.Enabled {
		return nil
	}
	return r.SliceComposite(scene.SceneID)
}

// generateComposite は参照画像付きのプロンプトで統合グリッドを生成し保存するのだ。
func (r *Renderer) generateComposite(ctx context.Context, scene domain.Scene, composite string) error {
	refs := scene.CollectReferences()
	if len(refs) == 0 {
		refs = r.identifySceneRefs(ctx, scene)
	}

	var parts []gateway.Part
	var loaded []string
	for _, name := range refs {
		ref, ok := r.cat.Lookup(name)
		if !ok {
			continue
		}
		img, ok := r.cat.ImageFor(name)
		if !ok {
			continue
		}
		parts = append(parts,
			gateway.Part{Text: fmt.Sprintf("## Visual Reference for: %q\nUse it for appearances\n%s\n\n", ref.Name, ref.VideoVisualDesc)},
			gateway.Part{Image: img},
		)
		loaded = append(loaded, ref.Name)
	}
	slog.Info("Scene refs resolved", "scene", scene.SceneID, "wanted", refs, "loaded", loaded)

	if len(parts) > 0 {
		header := gateway.Part{Text: "# Visual Reference Library\n## IMPORTANT:\nAlways prioritize the visual design of characters/objects from the provided images over your internal concepts."}
		footer := gateway.Part{Text: "Before generating the image, rewrite panels prompt to ensure maximum visual consistency with provided reference images"}
		parts = append(append([]gateway.Part{header}, parts...), footer)
	}

	slog.Info("Generating combined grid",
		"scene", scene.SceneID, "dual", r.cfg.IsDualGrid(),
		"size", r.cfg.ImageGeneration.ImageSize, "aspect", r.cfg.ImageGeneration.AspectRatio)

	art, err := r.svc.GenerateImage(ctx, gateway.ImageRequest{
		Model:       r.imageModel,
		Class:       gateway.ClassGenerate,
		Prompt:      r.compositePrompt(scene),
		Parts:       parts,
		AspectRatio: r.cfg.ImageGeneration.AspectRatio,
		ImageSize:   r.cfg.ImageGeneration.ImageSize,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Seed:        r.Seed,
	})
	if err != nil {
		return fmt.Errorf("統合グリッドの生成に失敗しました (scene %d): %w", scene.SceneID, err)
	}
	if err := os.WriteFile(composite, art.Data, 0o644); err != nil {
		return fmt.Errorf("統合グリッドの保存に失敗しました (scene %d): %w", scene.SceneID, err)
	}
	return nil
}

// SliceComposite は保存済みの統合グリッドをパネル単位に切り出して保存します。
func (r *Renderer) SliceComposite(sceneID int) error {
	composite := r.CompositePath(sceneID)
	data, err := os.ReadFile(composite)
	if err != nil {
		return fmt.Errorf("統合グリッドの読み込みに失敗しました (scene %d): %w", sceneID, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("統合グリッドのデコードに失敗しました (scene %d): %w", sceneID, err)
	}

	panelsDir := r.PanelsDir()
	if err := os.MkdirAll(panelsDir, 0o755); err != nil {
		return err
	}

	crops, err := CropGrid(img, sceneID, r.cfg)
	if err != nil {
		return err
	}
	for _, crop := range crops {
		var buf bytes.Buffer
		if err := EncodePNG(&buf, crop.Img); err != nil {
			return fmt.Errorf("パネルのエンコードに失敗しました (%s): %w", crop.Addr.Filename(), err)
		}
		if err := os.WriteFile(filepath.Join(panelsDir, crop.Addr.Filename()), buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("パネルの保存に失敗しました (%s): %w", crop.Addr.Filename(), err)
		}
	}
	slog.Info("Sliced combined grid", "scene", sceneID, "panels", len(crops))
	return nil
}

// identifySceneRefs は references が空のシーンに対して、シーン本文から
// 登場識別子を推定する救済呼び出しなのだ。失敗しても空リストで進むのだ。
func (r *Renderer) identifySceneRefs(ctx context.Context, scene domain.Scene) []string {
	sceneJSON, _ := json.Marshal(scene)
	prompt := fmt.Sprintf("Identify characters/locations/objects from %v present in this scene data: %s. Return JSON list of names.",
		r.cat.Names(), sceneJSON)

	raw, err := r.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:  r.textModel,
		Class:  gateway.ClassGenerate,
		Prompt: prompt,
		Schema: identifySchema,
	})
	if err != nil {
		slog.Warn("参照補完の呼び出しに失敗しました", "scene", scene.SceneID, "error", err)
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		slog.Warn("参照補完応答のデコードに失敗しました", "scene", scene.SceneID, "error", err)
		return nil
	}
	return names
}

// compositePrompt は統合グリッド用のプロンプト本文を組み立てるのだ。
func (r *Renderer) compositePrompt(scene domain.Scene) string {
	var b strings.Builder
	fmt.Fprintf(&b, `%s

%s

%s

Location: %s
Setup: %s
CONSISTENCY RULE: All instances of the same character across all panels must have IDENTICAL face, hair, clothing, body proportions.
NO CAPTIONS!
`, r.lib.Style, r.lib.Imagery, r.lib.Setting, scene.Location, scene.PreActionDescription)

	if r.cfg.IsDualGrid() {
		fmt.Fprintf(&b, "\nIMPORTANT: Generate SINGLE %s %s image with TWO grids vertically stacked (START top, END bottom).\n",
			r.cfg.ImageGeneration.ImageSize, r.cfg.ImageGeneration.AspectRatio)
	} else {
		fmt.Fprintf(&b, "\nIMPORTANT: Generate SINGLE %s %s image with panels in grid layout.\n",
			r.cfg.ImageGeneration.ImageSize, r.cfg.ImageGeneration.AspectRatio)
	}

	for _, p := range scene.Panels {
		fmt.Fprintf(&b, "\nPanel %d:\n", p.PanelIndex)
		if p.IsReversed {
			b.WriteString("  [REVERSE REVEAL — viewer sees START first, then action unfolds to END]\n")
		}
		if r.cfg.IsDualGrid() {
			fmt.Fprintf(&b, "  START (TOP): %s\n", p.VisualStart)
			fmt.Fprintf(&b, "  END (BOTTOM): %s\n", p.VisualEnd)
			// リバース済みパネルは視聴者視点の逆方向モーションを優先する
			motion := p.MotionPrompt
			if p.IsReversed && p.MotionPromptReversed != "" {
				motion = p.MotionPromptReversed
			}
			if motion != "" {
				fmt.Fprintf(&b, "  Motion: %s\n", motion)
			}
		} else {
			visual := p.VisualStart
			if visual == "" {
				visual = p.VisualEnd
			}
			fmt.Fprintf(&b, "  Visual: %s\n", visual)
		}
		if p.LightsAndCamera != "" {
			fmt.Fprintf(&b, "  Camera: %s\n", p.LightsAndCamera)
		}
		if r.cfg.Dialogue.Enabled && p.Dialogue != "" {
			fmt.Fprintf(&b, "  Dialogue: %s\n", p.Dialogue)
		}
		if r.cfg.Captions.Enabled && p.Caption != "" {
			fmt.Fprintf(&b, "  Caption: %s\n", p.Caption)
		}
	}
	return b.String()
}
