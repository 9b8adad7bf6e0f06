// Package animate は切り出し済みパネルから動画クリップを生成します。
// クリップは1枚ずつ逐次処理され、個別の失敗は記録して先へ進みますが、
// 割当枯渇だけは全体を即時停止させます（翌日、既存クリップの続きから再開できます）。
package animate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/asset"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"

	"google.golang.org/genai"
)

// maxClipRefs は1クリップに添付する外観参照の上限なのだ。
const maxClipRefs = 2

// needRefsSchema は参照要否の事前判定応答のスキーマです。
var needRefsSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"need_references": {Type: genai.TypeString},
		"reason":          {Type: genai.TypeString},
		"refs_to_provide": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"need_references", "reason", "refs_to_provide"},
}

// Stats はアニメーション実行の集計です。
type Stats struct {
	Generated int
	Skipped   int
	Failed    int
}

// Animator はクリップ生成ステージの実行体です。
type Animator struct {
	video      gateway.VideoService
	svc        gateway.Service
	cat        *catalog.Catalog
	videoModel string
	probeModel string
	resolution string
	outDir     string
}

// NewAnimator はクリップ生成ステージを組み立てます。probeModel は
// 参照要否の事前判定に使うテキストモデルです。
func NewAnimator(video gateway.VideoService, svc gateway.Service, cat *catalog.Catalog, videoModel, probeModel, resolution, outDir string) *Animator {
	return &Animator{
		video: video, svc: svc, cat: cat,
		videoModel: videoModel, probeModel: probeModel,
		resolution: resolution, outDir: outDir,
	}
}

// ClipsDir はクリップの保存先を返すのだ。
func (a *Animator) ClipsDir() string {
	return filepath.Join(a.outDir, "clips")
}

func (a *Animator) panelsDir() string {
	return filepath.Join(a.outDir, "panels")
}

// Run は panels/ を走査し、パネルごとのクリップを順に生成します。
// 開始フレームは *_static.png を優先し、無ければ *_start.png を使います。
// 既に空でないクリップがあるパネルはスキップします。
func (a *Animator) Run(ctx context.Context, corpus *domain.SceneCorpus) (Stats, error) {
	if err := os.MkdirAll(a.ClipsDir(), 0o755); err != nil {
		return Stats{}, err
	}

	starts, err := a.collectStartFrames()
	if err != nil {
		return Stats{}, err
	}
	slog.Info("ANIMATOR: start frames collected", "count", len(starts))

	var stats Stats
	for i, addr := range starts {
		out := filepath.Join(a.ClipsDir(), addr.ClipFilename())
		if st, err := os.Stat(out); err == nil && st.Size() > 0 {
			slog.Info("クリップは生成済みのためスキップします", "clip", addr.ClipFilename())
			stats.Skipped++
			continue
		}

		_, panel := corpus.FindPanel(addr.SceneID, addr.PanelIndex)
		if panel == nil {
			slog.Warn("メタデータに無いパネルをスキップします", "panel", addr.Key())
			stats.Skipped++
			continue
		}

		slog.Info("Generating clip", "index", i, "panel", addr.Key())
		if err := a.generateClip(ctx, addr, *panel); err != nil {
			if gateway.IsQuotaExhausted(err) {
				// 割当枯渇はここで全体を止める。既存クリップ分は次回スキップされる。
				slog.Error("QUOTA EXHAUSTED: stopping animation run", "panel", addr.Key())
				return stats, err
			}
			slog.Error("クリップ生成に失敗しました", "panel", addr.Key(), "error", err)
			stats.Failed++
			continue
		}
		stats.Generated++
	}
	slog.Info("ANIMATOR: done", "generated", stats.Generated, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

// collectStartFrames は開始フレーム候補を (scene, panel) 順で集めるのだ。
func (a *Animator) collectStartFrames() ([]asset.PanelAddress, error) {
	entries, err := os.ReadDir(a.panelsDir())
	if err != nil {
		return nil, fmt.Errorf("panels ディレクトリを読めません: %w", err)
	}
	byKey := make(map[string]asset.PanelAddress)
	for _, e := range entries {
		addr, err := asset.ParsePanelFilename(e.Name())
		if err != nil {
			continue
		}
		switch addr.Role {
		case asset.FrameStatic:
			byKey[addr.Key()] = addr
		case asset.FrameStart:
			// static が既にあれば static を優先
			if _, ok := byKey[addr.Key()]; !ok {
				byKey[addr.Key()] = addr
			}
		}
	}
	out := make([]asset.PanelAddress, 0, len(byKey))
	for _, addr := range byKey {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SceneID != out[j].SceneID {
			return out[i].SceneID < out[j].SceneID
		}
		return out[i].PanelIndex < out[j].PanelIndex
	})
	return out, nil
}

// generateClip は1パネルのクリップを生成して保存するのだ。
func (a *Animator) generateClip(ctx context.Context, addr asset.PanelAddress, panel domain.Panel) error {
	startImg, err := os.ReadFile(filepath.Join(a.panelsDir(), addr.Filename()))
	if err != nil {
		return fmt.Errorf("開始フレームを読めません (%s): %w", addr.Filename(), err)
	}

	// 終端フレームがあれば補間モードになる
	var endImg []byte
	endAddr := asset.PanelAddress{SceneID: addr.SceneID, PanelIndex: addr.PanelIndex, Role: asset.FrameEnd}
	if data, err := os.ReadFile(filepath.Join(a.panelsDir(), endAddr.Filename())); err == nil {
		endImg = data
	}

	panelJSON, _ := json.MarshalIndent(panel, "", "  ")
	prompt := fmt.Sprintf("Cinematic shot. %s. Smooth transition, high temporal consistency."+
		"Style: Hyper-realistic cinematic photography, shot on Arri Alexa Mini LF with 50mm lens.", panelJSON)

	refNames := a.probeReferences(ctx, panel, startImg)
	var refImages [][]byte
	for _, name := range refNames {
		if len(refImages) >= maxClipRefs {
			break
		}
		if img, ok := a.cat.ImageFor(name); ok {
			refImages = append(refImages, img)
		}
	}

	duration := clipDuration(panel, len(refImages) > 0)

	req := gateway.VideoRequest{
		Model:           a.videoModel,
		Prompt:          prompt,
		StartImage:      startImg,
		DurationSeconds: duration,
		AspectRatio:     "16:9",
		Resolution:      a.resolution,
	}
	switch {
	case endImg != nil:
		// 補間モードでは外観参照は使えない
		req.LastFrame = endImg
		req.DurationSeconds = 8
	case len(refImages) > 0:
		// 参照モードでは開始フレームを先頭の参照として渡す
		req.ReferenceImages = append([][]byte{startImg}, refImages...)
		req.DurationSeconds = 8
	}

	video, err := a.video.GenerateVideo(ctx, req)
	if err != nil {
		return err
	}
	out := filepath.Join(a.ClipsDir(), addr.ClipFilename())
	if err := os.WriteFile(out, video, 0o644); err != nil {
		return fmt.Errorf("クリップの保存に失敗しました (%s): %w", addr.ClipFilename(), err)
	}
	slog.Info("Clip saved", "clip", addr.ClipFilename(), "duration", req.DurationSeconds, "interpolated", endImg != nil)
	return nil
}

// clipDuration は台詞量と参照の有無からクリップ長を決めるのだ。
func clipDuration(panel domain.Panel, hasRefs bool) int32 {
	words := len(strings.Fields(panel.Dialogue))
	switch {
	case hasRefs || words > 15:
		return 8
	case words > 10:
		return 6
	default:
		return 4
	}
}

// probeReferences は「この開始フレームに対して外観参照が本当に必要か」を
// 事前に安いテキストモデルで判定します。参照付き動画生成は高価なため、
// 不要なら付けないのが既定です。判定に失敗したら参照なしで進みます。
func (a *Animator) probeReferences(ctx context.Context, panel domain.Panel, startImg []byte) []string {
	panelJSON, _ := json.MarshalIndent(panel, "", "  ")
	prompt := fmt.Sprintf(`
    Animation with references is expensive.
    Analyze scene image and visual descriptions, identify if any of character references are indeed needed here for animation.
    Example: motion_prompt or visual_end may reference something not yet present in visual start frame, or person on the first frame could have face turned from the camera.
    If chars are visible for quick 4 second Veo animation, then no need to pass refs.
    Find only references missing on the visual start but required for visual end according to scene.
    I do not need perfect animation, but I need cheap and fast.

    Scene Info:

    %s

    Response format, JSON:
    {
        "need_references": "YES or SKIP",
        "reason": "Explain why",
        "refs_to_provide": "List of the references from scene which MUST be used, max TWO most important items"
    }
`, panelJSON)

	raw, err := a.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:  a.probeModel,
		Class:  gateway.ClassGenerate,
		Prompt: prompt,
		Parts:  []gateway.Part{{Image: startImg}},
		Schema: needRefsSchema,
	})
	if err != nil {
		slog.Warn("参照要否の判定に失敗したため参照なしで進みます", "error", err)
		return nil
	}
	var resp struct {
		NeedReferences string   `json:"need_references"`
		Reason         string   `json:"reason"`
		RefsToProvide  []string `json:"refs_to_provide"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		slog.Warn("参照要否応答のデコードに失敗しました", "error", err)
		return nil
	}
	slog.Debug("Reference probe", "verdict", resp.NeedReferences, "reason", resp.Reason, "refs", resp.RefsToProvide)
	return resp.RefsToProvide
}
