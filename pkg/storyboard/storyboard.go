// Package storyboard は脚本のエピソード列をシーン・パネル構造に分解し、
// シーン単位のリファインと逆再生サブパスを経て最終コーパスを組み立てます。
package storyboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

// Runner はストーリーボード化ステージの実行体です。
type Runner struct {
	svc     gateway.Service
	cat     *catalog.Catalog
	lib     *prompts.Library
	cfg     config.Config
	model   string
	outDir  string
	workers int
}

// NewRunner はストーリーボード化ステージを組み立てます。
func NewRunner(svc gateway.Service, cat *catalog.Catalog, lib *prompts.Library, cfg config.Config, model, outDir string, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{svc: svc, cat: cat, lib: lib, cfg: cfg, model: model, outDir: outDir, workers: workers}
}

// Run は全エピソードをシーンに分解し、シーン単位のリファインを経て
// 最終コーパスを返します。シーンIDは並行処理の完了順とは無関係に、
// エピソード順→エピソード内の出現順で 1 から密に振られます。
func (r *Runner) Run(ctx context.Context, sp *domain.Screenplay) (*domain.SceneCorpus, error) {
	slog.Info("MASTER CINEMATOGRAPHER: decomposing episodes", "episodes", len(sp.Episodes))

	// 第1段: エピソードごとのシーン分解。結果はエピソード位置で格納する。
	perEpisode := make([]*domain.SceneCorpus, len(sp.Episodes))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers)
	for i, ep := range sp.Episodes {
		i, ep := i, ep
		eg.Go(func() error {
			// 保存済みチェックポイントがあれば分解をやり直さない
			var cached domain.SceneCorpus
			if ok := r.loadCheckpoint(fmt.Sprintf("animation_episode_scenes_%03d.json", ep.EpisodeID), &cached); ok {
				slog.Info("エピソード分解をチェックポイントから再開します", "episode", ep.EpisodeID)
				perEpisode[i] = &cached
				return nil
			}
			scenes, err := r.analyzeEpisode(egCtx, ep)
			if err != nil {
				return fmt.Errorf("エピソード %d の分解に失敗しました: %w", ep.EpisodeID, err)
			}
			perEpisode[i] = scenes
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// 結合とID付番は必ず逐次で行う。ここが全ステージ共通の番号の源泉になる。
	corpus := &domain.SceneCorpus{}
	episodeOf := make(map[int]domain.Episode) // scene_id -> episode
	for i, part := range perEpisode {
		ep := sp.Episodes[i]
		if err := r.saveCheckpoint(fmt.Sprintf("animation_episode_scenes_%03d.json", ep.EpisodeID), part); err != nil {
			return nil, err
		}
		corpus.Scenes = append(corpus.Scenes, part.Scenes...)
	}
	corpus.AssignSceneIDs()
	offset := 0
	for i, part := range perEpisode {
		for range part.Scenes {
			episodeOf[corpus.Scenes[offset].SceneID] = sp.Episodes[i]
			offset++
		}
	}
	slog.Info("CINEMATOGRAPHER: scenes numbered", "scenes", len(corpus.Scenes))

	// 第2段: シーン単位のリファイン。結果はシーン位置で格納する。
	refined := make([]domain.Scene, len(corpus.Scenes))
	eg2, egCtx2 := errgroup.WithContext(ctx)
	eg2.SetLimit(r.workers)
	for i, scene := range corpus.Scenes {
		i, scene := i, scene
		eg2.Go(func() error {
			out, err := r.refineScene(egCtx2, scene, episodeOf[scene.SceneID])
			if err != nil {
				if gateway.IsQuotaExhausted(err) {
					return fmt.Errorf("シーン %d のリファインに失敗しました: %w", scene.SceneID, err)
				}
				// 個別シーンの失敗は他のシーンを巻き込まない。
				// 粗い分解結果を正規化して劣化版として残す。
				slog.Error("シーンのリファインに失敗したため分解結果のまま残します",
					"scene", scene.SceneID, "error", err)
				scene.RenumberPanels()
				for j := range scene.Panels {
					scene.Panels[j].ApplyDefaults()
				}
				refined[i] = scene
				return nil
			}
			refined[i] = *out
			return nil
		})
	}
	if err := eg2.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(refined, func(i, j int) bool { return refined[i].SceneID < refined[j].SceneID })
	return &domain.SceneCorpus{Scenes: refined}, nil
}

// analyzeEpisode は1エピソードをシーン列に分解するのだ。
func (r *Runner) analyzeEpisode(ctx context.Context, ep domain.Episode) (*domain.SceneCorpus, error) {
	slog.Info("CINEMATOGRAPHER: preparing keyframes", "episode", ep.EpisodeID)

	epJSON, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("%s\n\nTEXT TO ADAPT:\n%s\n", r.basePrompt(), epJSON)

	raw, err := r.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:           r.model,
		Class:           gateway.ClassGenerate,
		Prompt:          prompt,
		Schema:          sceneSchema,
		System:          prompts.SystemPrompt,
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: 64000,
	})
	if err != nil {
		return nil, err
	}
	var corpus domain.SceneCorpus
	if err := json.Unmarshal(raw, &corpus); err != nil {
		return nil, fmt.Errorf("シーン応答のデコードに失敗しました: %w", err)
	}
	slog.Info("CINEMATOGRAPHER: keyframes ready", "episode", ep.EpisodeID, "scenes", len(corpus.Scenes))
	return &corpus, nil
}

// refineScene は1シーンの視覚記述・モーション記述を精密化し、
// 必要なら逆再生サブパスを適用するのだ。付番済みの scene_id は
// モデル応答に関わらず必ず維持されるのだ。
func (r *Runner) refineScene(ctx context.Context, scene domain.Scene, ep domain.Episode) (*domain.Scene, error) {
	sceneID := scene.SceneID

	// 保存済みのリファイン結果があればそのまま使う（再実行時の再開点）
	var cached domain.SceneCorpus
	if ok := r.loadCheckpoint(fmt.Sprintf("animation_episode_scenes_%03d_refined.json", sceneID), &cached); ok && len(cached.Scenes) > 0 {
		slog.Info("リファイン済みチェックポイントから再開します", "scene", sceneID)
		out := cached.Scenes[0]
		out.SceneID = sceneID
		return &out, nil
	}

	epJSON, _ := json.MarshalIndent(ep, "", "  ")
	sceneJSON, _ := json.MarshalIndent(scene, "", "  ")
	refsJSON, _ := json.Marshal(r.videoRefsFor(scene))

	prompt := fmt.Sprintf(`
    %s

**IMPORTANT: ADJUST CAMERA AND DYNAMICS TO SCENE NEEDS FOR IMMERSIVE VIEW**

**Your task is to analyze single scene and enhance visual descriptions, motion prompts with all required details to receive great precise results, resolving disambiguation.**

## Visual and motion description rules
- You generate instructions for AI-based Text-To-Image (visual_start, visual_end) and Image-to-Video (motion_prompt) models
- Avoid vague or ambiguous instructions, be very specific in details
- Keep the visual consistency for references

SCENE TO ANALYZE:

EPISODE CONTEXT: %s

SCENE DETAILS: %s

VISUAL REFERENCES: %s

ENSURE THAT DESCRIPTIONS IN REFINED SCENE ALIGN WITH VISUAL REFERENCES.
`, r.basePrompt(), epJSON, sceneJSON, refsJSON)

	raw, err := r.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:           r.model,
		Class:           gateway.ClassRefine,
		Prompt:          prompt,
		Schema:          sceneSchema,
		System:          prompts.SystemPrompt,
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: 64000,
	})
	if err != nil {
		return nil, err
	}
	var corpus domain.SceneCorpus
	if err := json.Unmarshal(raw, &corpus); err != nil {
		return nil, fmt.Errorf("リファイン応答のデコードに失敗しました: %w", err)
	}
	if len(corpus.Scenes) == 0 {
		return nil, fmt.Errorf("リファイン応答にシーンがありません (scene %d)", sceneID)
	}

	out := corpus.Scenes[0]
	out.SceneID = sceneID
	out.RenumberPanels()
	for i := range out.Panels {
		out.Panels[i].ApplyDefaults()
	}

	if err := r.applyReversalPass(ctx, &out); err != nil {
		return nil, err
	}

	if err := r.saveCheckpoint(fmt.Sprintf("animation_episode_scenes_%03d_refined.json", sceneID),
		domain.SceneCorpus{Scenes: []domain.Scene{out}}); err != nil {
		return nil, err
	}
	return &out, nil
}

// applyReversalPass は is_reversed パネルに逆再生モーションを生成して適用します。
// 交換（motion_prompt の退避・差し替えと visual_start/visual_end の入れ替え）は
// 応答に含まれたパネルだけに、3点セットで原子的に行います。
func (r *Runner) applyReversalPass(ctx context.Context, scene *domain.Scene) error {
	flagged := scene.ReversedPanels()
	if len(flagged) == 0 {
		return nil
	}
	slog.Info("Reversal pass", "scene", scene.SceneID, "panels", len(flagged))

	panelsJSON, _ := json.MarshalIndent(flagged, "", "  ")
	prompt := fmt.Sprintf(`
You are a Master Cinematographer writing motion prompts for AI video generation.

The following panels in this scene require REVERSE REVEAL animation:
the action was originally written in chronological order, but the AI Image-To-Video must generate reversed clip.
  - visual_start = what the camera sees at t=0  (the obscured / empty / hidden state)
  - visual_end   = what the camera sees at the end (the fully revealed state)

Your job: write motion_prompt_reversed describing how the scene transitions
FROM visual_end TO visual_start. This will be initially rendered as a forward-playing clip,
then REVERSED during post-processing so the viewer sees visual_start -> visual_end.

Rules:
- The motion must be physically plausible as a forward-playing clip.
- Duration: %g seconds total.
- Use timestamps (e.g. "At 2 seconds...") for clarity.
- Be very detailed (100+ words). The AI video model needs precision.
- Do NOT invent new elements - only describe the transition between the two provided states.
- Preserve all lighting and camera details from lights_and_camera.
- Output ONLY a JSON array with the same panel_index values. Each object must have
  exactly two keys: "panel_index" (integer) and "motion_prompt_reversed" (string).

%s

PANELS TO PROCESS:
%s
`, r.cfg.Format.PanelDurationSec, r.lib.Setting, panelsJSON)

	raw, err := r.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:           r.model,
		Class:           gateway.ClassRefine,
		Prompt:          prompt,
		Schema:          reversalSchema,
		System:          prompts.SystemPrompt,
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: 64000,
	})
	if err != nil {
		return fmt.Errorf("逆再生サブパスの呼び出しに失敗しました (scene %d): %w", scene.SceneID, err)
	}

	var items []struct {
		PanelIndex           int    `json:"panel_index"`
		MotionPromptReversed string `json:"motion_prompt_reversed"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("逆再生応答のデコードに失敗しました (scene %d): %w", scene.SceneID, err)
	}
	byIndex := make(map[int]string, len(items))
	for _, it := range items {
		byIndex[it.PanelIndex] = it.MotionPromptReversed
	}

	for i := range scene.Panels {
		p := &scene.Panels[i]
		if !p.IsReversed {
			continue
		}
		motion, ok := byIndex[p.PanelIndex]
		if !ok {
			// 応答に含まれないパネルは未交換のまま残す。片側だけの適用は禁止。
			slog.Warn("逆再生モーションが返されませんでした", "scene", scene.SceneID, "panel", p.PanelIndex)
			continue
		}
		p.ApplyReversal(motion)
		slog.Info("逆再生モーションを適用しました", "scene", scene.SceneID, "panel", p.PanelIndex)
	}
	return nil
}

// videoRefsFor はシーンが参照する識別子の name -> video_visual_desc 対応を作るのだ。
// カタログに無い参照名は黙って無視するのだ。
func (r *Runner) videoRefsFor(scene domain.Scene) map[string]string {
	out := make(map[string]string)
	for _, name := range scene.CollectReferences() {
		if ref, ok := r.cat.Lookup(name); ok {
			out[ref.Name] = ref.VideoVisualDesc
		}
	}
	return out
}

func (r *Runner) basePrompt() string {
	animation := r.cfg.IsAnimation() && r.cfg.Animation.Enabled

	keyframeLine := "Include single key visual moment per panel."
	if animation {
		keyframeLine = "Include visual_start and visual_end for START/END keyframes."
	}
	dialogueLine := ""
	if r.cfg.Dialogue.Enabled {
		dialogueLine = "Include dialogue if characters speak."
	}
	captionLine := ""
	if r.cfg.Captions.Enabled {
		captionLine = "Include caption for narrative text."
	}
	panelsLine := ""
	if r.cfg.Format.Type == config.TypeSingleGridAnimation {
		panelsLine = fmt.Sprintf("**IMPORTANT: EACH SCENE MUST HAVE EXACTLY %d PANELS.**", r.cfg.Format.PanelsPerScene)
	}

	return fmt.Sprintf(`
%s

%s

CONTEXT:
Available Characters/Locations/Objects for panel references: %v
Panels per scene: %d
Animation mode: %v

%s
%s
%s
Important: all dialogues and texts MUST be in English for the consistency.

IMPORTANT: We are filming an Action Movie, ensure scenes are completely showing the story and match text. Create as many scenes as needed to tell the story completely.
%s
`, r.lib.Scenery, r.lib.Setting, r.cat.Names(), r.cfg.Format.PanelsPerScene, animation,
		keyframeLine, dialogueLine, captionLine, panelsLine)
}

// loadCheckpoint は保存済みの中間成果物を読み込むのだ。
// 壊れたチェックポイントは警告を出して無視し、作り直させるのだ。
func (r *Runner) loadCheckpoint(name string, v any) bool {
	data, err := os.ReadFile(filepath.Join(r.outDir, name))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("チェックポイントのパースに失敗したため無視します", "name", name, "error", err)
		return false
	}
	return true
}

// saveCheckpoint は中間成果物をJSONで保存するのだ。
func (r *Runner) saveCheckpoint(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.outDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("チェックポイントの保存に失敗しました (%s): %w", name, err)
	}
	return nil
}
