// Package continuity はシーンが発明した細部と識別子の正定義の食い違い
// （ディテール・ドリフト）を二段構えで収束させます。
// Pass A: 使用文脈を識別子の説明に併合し、正画像を再生成する。
// Pass B: 更新済みの説明を正として、シーン側の視覚記述を書き直す。
// Pass B は永続化済みのカタログを読み直してから始まります。
package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/casting"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

// ConsistentFilename は整合済みメタデータの保存名です。
// 元の animation_metadata.json は決して上書きしません。
const ConsistentFilename = "animation_metadata_consistent.json"

// maxUsageContexts は1識別子あたり併合対象にする使用文脈の上限なのだ。
const maxUsageContexts = 20

// updatedRefSchema は説明併合応答のスキーマです。
var updatedRefSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"visual_desc": {
			Type:        genai.TypeString,
			Description: "Highly detailed, comprehensive visual description incorporating all new scene details.",
		},
		"video_visual_desc": {
			Type:        genai.TypeString,
			Description: "Shorter summary of the updated description.",
		},
	},
	Required: []string{"visual_desc", "video_visual_desc"},
}

// sceneRewriteSchema はシーン書き直し応答のスキーマです。
var sceneRewriteSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"panels": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"panel_index":  {Type: genai.TypeInteger},
					"visual_start": {Type: genai.TypeString},
					"visual_end":   {Type: genai.TypeString},
				},
				Required: []string{"panel_index", "visual_start", "visual_end"},
			},
		},
	},
	Required: []string{"panels"},
}

// Enforcer は整合性強制ステージの実行体です。
type Enforcer struct {
	svc     gateway.Service
	cat     *catalog.Catalog
	caster  *casting.Runner
	model   string
	outDir  string
	workers int
}

// NewEnforcer は整合性強制ステージを組み立てます。caster は説明更新後の
// 正画像再生成に使います（キャスティングと同じ生成経路を共有します）。
func NewEnforcer(svc gateway.Service, cat *catalog.Catalog, caster *casting.Runner, model, outDir string, workers int) *Enforcer {
	if workers <= 0 {
		workers = 1
	}
	return &Enforcer{svc: svc, cat: cat, caster: caster, model: model, outDir: outDir, workers: workers}
}

// CollectUsage は識別子ごとに、それを参照する全パネルの使用文脈を集めます。
func CollectUsage(corpus *domain.SceneCorpus) map[string][]string {
	usage := make(map[string][]string)
	for _, scene := range corpus.Scenes {
		for _, panel := range scene.Panels {
			for _, ref := range panel.References {
				ctx := fmt.Sprintf("Scene %d, Panel %d: Start: %s | End: %s | Camera: %s",
					scene.SceneID, panel.PanelIndex, panel.VisualStart, panel.VisualEnd, panel.LightsAndCamera)
				usage[ref] = append(usage[ref], ctx)
			}
		}
	}
	return usage
}

// Run は二段パスを順に実行し、整合済みコーパスを保存して返します。
func (e *Enforcer) Run(ctx context.Context, corpus *domain.SceneCorpus) (*domain.SceneCorpus, error) {
	slog.Info("CONTINUITY: detail drift analysis", "scenes", len(corpus.Scenes))
	usage := CollectUsage(corpus)

	// Pass A: 識別子ごとの説明併合と正画像再生成。
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for name, contexts := range usage {
		name, contexts := name, contexts
		eg.Go(func() error {
			if err := e.enrichReference(egCtx, name, contexts); err != nil {
				if gateway.IsQuotaExhausted(err) {
					return err
				}
				slog.Error("識別子の更新に失敗しました", "name", name, "error", err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// 関門: Pass B は必ず永続化済みの状態から読み直して始める。
	// メモリ上の部分更新を引きずると、片側だけ新しい定義で書き直すことになる。
	if err := e.cat.Reload(); err != nil {
		return nil, fmt.Errorf("カタログの再読込に失敗しました: %w", err)
	}

	// Pass B: シーン側の書き直し。結果はシーン位置で格納する。
	slog.Info("CONTINUITY: aligning scenes with updated references")
	aligned := make([]domain.Scene, len(corpus.Scenes))
	eg2, egCtx2 := errgroup.WithContext(ctx)
	eg2.SetLimit(e.workers)
	for i, scene := range corpus.Scenes {
		i, scene := i, scene
		eg2.Go(func() error {
			out, err := e.alignScene(egCtx2, scene)
			if err != nil {
				if gateway.IsQuotaExhausted(err) {
					return err
				}
				// 書き直せなかったシーンは元のまま通す
				slog.Error("シーンの同期に失敗しました", "scene", scene.SceneID, "error", err)
				out = &scene
			}
			aligned[i] = *out
			return nil
		})
	}
	if err := eg2.Wait(); err != nil {
		return nil, err
	}

	result := &domain.SceneCorpus{Scenes: aligned}
	if err := e.saveConsistent(result); err != nil {
		return nil, err
	}
	return result, nil
}

// enrichReference は1識別子の説明に使用文脈の細部を併合し、画像を再生成するのだ。
func (e *Enforcer) enrichReference(ctx context.Context, name string, contexts []string) error {
	ref, ok := e.cat.Lookup(name)
	if !ok {
		slog.Warn("未登録の識別子をスキップします", "name", name)
		return nil
	}
	if len(contexts) > maxUsageContexts {
		contexts = contexts[:maxUsageContexts]
	}
	slog.Info("Enriching reference", "name", ref.Name, "usages", len(contexts))

	prompt := fmt.Sprintf(`
    You are a Lead Production Designer.
    We have an original visual description for the entity %q:
    <ORIGINAL_DESC>
    %s
    </ORIGINAL_DESC>

    However, the storyboard artist added specific new details in various scenes.
    Here is how %q is actually described in the scenes:
    <SCENE_USAGES>
    %s
    </SCENE_USAGES>

    TASK:
    Merge the ORIGINAL_DESC with all specific physical details invented in the SCENE_USAGES (e.g., specific desk color, exact props, specific lighting fixtures, specific clothing details).
    Do NOT include actions or temporary states. ONLY permanent visual design features.
    Generate a massive, highly detailed visual description that perfectly aligns with what the scenes require.
`, ref.Name, ref.VisualDesc, ref.Name, strings.Join(contexts, "\n"))

	raw, err := e.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:           e.model,
		Class:           gateway.ClassRefine,
		Prompt:          prompt,
		Schema:          updatedRefSchema,
		System:          prompts.SystemPrompt,
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: 64000,
	})
	if err != nil {
		return fmt.Errorf("説明併合の呼び出しに失敗しました (%s): %w", ref.Name, err)
	}
	var updated struct {
		VisualDesc      string `json:"visual_desc"`
		VideoVisualDesc string `json:"video_visual_desc"`
	}
	if err := json.Unmarshal(raw, &updated); err != nil {
		return fmt.Errorf("説明併合応答のデコードに失敗しました (%s): %w", ref.Name, err)
	}

	ref.VisualDesc = updated.VisualDesc
	ref.VideoVisualDesc = updated.VideoVisualDesc
	if err := e.cat.Register(ref); err != nil {
		return err
	}
	return e.caster.GenerateImage(ctx, ref)
}

// alignScene はシーンの視覚記述を承認済み定義に合わせて書き直すのだ。
// 応答に含まれたパネルだけを差し替え、演出系のフィールドには触れないのだ。
func (e *Enforcer) alignScene(ctx context.Context, scene domain.Scene) (*domain.Scene, error) {
	refNames := scene.CollectReferences()
	if len(refNames) == 0 {
		return &scene, nil
	}

	approved := make(map[string]string)
	for _, name := range refNames {
		if ref, ok := e.cat.Lookup(name); ok {
			approved[name] = ref.VideoVisualDesc
		}
	}
	approvedJSON, _ := json.MarshalIndent(approved, "", "  ")
	panelsJSON, _ := json.MarshalIndent(scene.Panels, "", "  ")

	prompt := fmt.Sprintf(`
    You are a Script Supervisor enforcing Visual Continuity.

    Here is the FINAL, APPROVED visual design for the entities in this scene:
    <APPROVED_REFERENCES>
    %s
    </APPROVED_REFERENCES>

    Here is the current scene data:
    <CURRENT_SCENE>
    %s
    </CURRENT_SCENE>

    TASK:
    Rewrite 'visual_start' and 'visual_end' for each panel ONLY IF they contradict the APPROVED_REFERENCES.
    Ensure that colors, props, and materials mentioned in the scene exactly match the approved references.
    Do not change the action or cinematography, only enforce physical prop/character consistency.
    Return the full list of panels with your adjusted visual_start and visual_end.
`, approvedJSON, panelsJSON)

	raw, err := e.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:           e.model,
		Class:           gateway.ClassRefine,
		Prompt:          prompt,
		Schema:          sceneRewriteSchema,
		System:          prompts.SystemPrompt,
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: 64000,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Panels []struct {
			PanelIndex  int    `json:"panel_index"`
			VisualStart string `json:"visual_start"`
			VisualEnd   string `json:"visual_end"`
		} `json:"panels"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("書き直し応答のデコードに失敗しました (scene %d): %w", scene.SceneID, err)
	}

	byIndex := make(map[int]int, len(resp.Panels))
	for i, p := range resp.Panels {
		byIndex[p.PanelIndex] = i
	}
	for i := range scene.Panels {
		p := &scene.Panels[i]
		j, ok := byIndex[p.PanelIndex]
		if !ok {
			continue
		}
		p.VisualStart = resp.Panels[j].VisualStart
		p.VisualEnd = resp.Panels[j].VisualEnd
	}
	slog.Info("Scene aligned", "scene", scene.SceneID, "rewritten", len(resp.Panels))
	return &scene, nil
}

// saveConsistent は整合済みメタデータを別名で保存するのだ。
func (e *Enforcer) saveConsistent(corpus *domain.SceneCorpus) error {
	data, err := json.MarshalIndent(corpus, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(e.outDir, ConsistentFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("整合済みメタデータの保存に失敗しました: %w", err)
	}
	slog.Info("Consistent metadata saved", "path", path)
	return nil
}
