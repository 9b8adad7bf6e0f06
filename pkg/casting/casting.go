// Package casting は物語テキストから視覚的識別子（登場人物・場所・物品など）を
// 発見し、説明JSONと正画像をカタログに登録します。
package casting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

// characterSchema は識別子発見応答のスキーマです。
var characterSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"name": {
				Type:        genai.TypeString,
				Description: "Name of the reference. Avoid punctuation, quotes and parenthesis, use only letters, digits and hyphens.",
			},
			"visual_desc": {
				Type:        genai.TypeString,
				Description: "verbose detailed description for the reference image generation",
			},
			"type": {
				Type:        genai.TypeString,
				Description: "Character, location, object, interface, room, vehicle",
			},
			"video_visual_desc": {
				Type:        genai.TypeString,
				Description: "shorter visual description for character reference in the prerolls and video",
			},
			"style_reference": {
				Type:        genai.TypeString,
				Description: "Name of the existing or new reference, for details consistency. E.g. for view to entrance, use view from entrance.",
			},
		},
		Required: []string{"name", "visual_desc", "type", "style_reference", "video_visual_desc"},
	},
}

// Runner はキャスティングステージの実行体です。
type Runner struct {
	svc        gateway.Service
	cat        *catalog.Catalog
	lib        *prompts.Library
	cfg        config.Config
	textModel  string
	imageModel string
	workers    int
}

// NewRunner はキャスティングステージを組み立てます。
func NewRunner(svc gateway.Service, cat *catalog.Catalog, lib *prompts.Library, cfg config.Config, textModel, imageModel string, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{svc: svc, cat: cat, lib: lib, cfg: cfg, textModel: textModel, imageModel: imageModel, workers: workers}
}

// Run はテキストを解析して新規識別子を発見し、並行で正画像を生成します。
// 発見呼び出しには既存の識別子名を除外リストとして渡すため、
// 同じテキストで何度呼んでも重複登録にはなりません。
func (r *Runner) Run(ctx context.Context, text string) error {
	if !r.cfg.ReferenceCharacters.Enabled {
		slog.Info("キャスティングは設定で無効化されています")
		return nil
	}
	slog.Info("CASTING: discovering visual identities", "existing", r.cat.Len())

	raw, err := r.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:           r.textModel,
		Class:           gateway.ClassGenerate,
		Prompt:          r.discoveryPrompt(text),
		Schema:          characterSchema,
		System:          prompts.SystemPrompt,
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: 64000,
	})
	if err != nil {
		return fmt.Errorf("識別子の発見呼び出しに失敗しました: %w", err)
	}

	var refs []domain.Reference
	if err := json.Unmarshal(raw, &refs); err != nil {
		return fmt.Errorf("識別子応答のデコードに失敗しました: %w", err)
	}
	if len(refs) == 0 {
		slog.Info("CASTING: 新規識別子なし")
		return nil
	}

	// 名前ゆらぎを吸収しつつ新規だけを残す
	fresh := make([]domain.Reference, 0, len(refs))
	seen := make(map[string]bool)
	for _, ref := range refs {
		slug := catalog.Sanitize(ref.Name)
		if seen[slug] {
			continue
		}
		seen[slug] = true
		if r.cat.HasImage(ref.Name) {
			continue
		}
		fresh = append(fresh, ref)
	}
	slog.Info("CASTING: new identities discovered", "total", len(refs), "fresh", len(fresh))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers)
	for _, ref := range fresh {
		ref := ref
		eg.Go(func() error {
			if err := r.castOne(egCtx, ref); err != nil {
				if gateway.IsQuotaExhausted(err) {
					return err
				}
				// 個別の失敗は他の識別子を巻き込まない
				slog.Error("識別子の生成に失敗しました", "name", ref.Name, "error", err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// castOne は1識別子の説明JSON登録と正画像生成を行うのだ。
func (r *Runner) castOne(ctx context.Context, ref domain.Reference) error {
	if err := r.cat.Register(ref); err != nil {
		return err
	}
	return r.GenerateImage(ctx, ref)
}

// GenerateImage は識別子の正画像を生成してカタログに保存します。
// style_reference が別の既存識別子を指す場合、その正画像を様式の手本として
// プロンプトに前置します。Continuity の説明更新後の再生成もこの入口を使います。
func (r *Runner) GenerateImage(ctx context.Context, ref domain.Reference) error {
	setting := r.lib.Setting
	if len(setting) > 1500 {
		setting = setting[:1500]
	}
	prompt := fmt.Sprintf("CINEMATIC REFERENCE FOR %s: %s. %s. %s. Close-up, neutral expression, uniform lighting, 8k.",
		ref.Type, ref.Name, ref.VisualDesc, setting)

	var parts []gateway.Part
	if ref.StyleReference != "" && catalog.Sanitize(ref.StyleReference) != catalog.Sanitize(ref.Name) {
		if img, ok := r.cat.ImageFor(ref.StyleReference); ok {
			parts = append(parts,
				gateway.Part{Text: fmt.Sprintf("## Visual Style reference for %s", ref.StyleReference)},
				gateway.Part{Image: img},
			)
		}
	}

	aspect := r.cfg.ReferenceCharacters.RefAspectRatio
	if aspect == "" {
		aspect = "3:4"
	}
	art, err := r.svc.GenerateImage(ctx, gateway.ImageRequest{
		Model:       r.imageModel,
		Class:       gateway.ClassGenerate,
		Prompt:      prompt,
		Parts:       parts,
		AspectRatio: aspect,
		ImageSize:   "1K",
	})
	if err != nil {
		return fmt.Errorf("正画像の生成に失敗しました (%s): %w", ref.Name, err)
	}
	if err := r.cat.ReplaceImage(ref.Name, art.Data); err != nil {
		return err
	}
	slog.Info("正画像を保存しました", "name", ref.Name, "type", ref.Type)
	return nil
}

func (r *Runner) discoveryPrompt(text string) string {
	existing := r.cat.Names()
	return fmt.Sprintf(`
%s

%s

Analyze text for KEY reference characters/locations/objects/rooms/vehicles/interfaces which will be visible on the screen.
For NEW references not in %v, provide detailed visual description.

OUTPUT JSON: [
    {
        "name": "Name",
        "visual_desc": "Detailed description",
        "type": "Character/Location/Object/Room/Vehicle/Interface",
        "style_reference": "Base image reference name from the list of existing or new"
    }
]

Text:

<STORY>%s</STORY>
`, r.lib.Casting, r.lib.Setting, existing, text)
}
