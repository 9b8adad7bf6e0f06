// Package screenplay は物語テキストを密なエピソード列の脚本に変換します。
package screenplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"

	"google.golang.org/genai"
)

// ErrNoEpisodes は脚本からエピソードが1件も得られなかったことを表します。
// 以降の全ステージが空振りになるため、パイプラインはここで停止します。
var ErrNoEpisodes = errors.New("screenplay produced no episodes")

// screenplaySchema は脚本応答のスキーマです。
var screenplaySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"logline":          {Type: genai.TypeString},
		"title":            {Type: genai.TypeString},
		"characters":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"nitpicker_report": {Type: genai.TypeString},
		"shit_redo_report": {Type: genai.TypeString},
		"episodes": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"episode_id": {Type: genai.TypeInteger},
					"location":   {Type: genai.TypeString},
					"daytime":    {Type: genai.TypeString},
					"raw_narrative": {
						Type:        genai.TypeString,
						Description: "Full narrative from the original text which was used for this episode",
					},
					"screenplay_instructions": {Type: genai.TypeString},
				},
				Required: []string{"episode_id", "location", "daytime", "raw_narrative", "screenplay_instructions"},
			},
		},
	},
	Required: []string{"logline", "title", "characters", "episodes", "nitpicker_report"},
}

// Runner は脚本化ステージの実行体です。
type Runner struct {
	svc   gateway.Service
	lib   *prompts.Library
	model string
}

// NewRunner は脚本化ステージを組み立てます。
func NewRunner(svc gateway.Service, lib *prompts.Library, model string) *Runner {
	return &Runner{svc: svc, lib: lib, model: model}
}

// Run は物語テキスト全体を1回の呼び出しで脚本化します。
// エピソードIDは応答に含まれる値を信用せず、出現順で 1..N に振り直します。
func (r *Runner) Run(ctx context.Context, text string) (*domain.Screenplay, error) {
	slog.Info("MASTER SCREENWRITER: Preparing screenplay")

	raw, err := r.svc.GenerateStructured(ctx, gateway.StructuredRequest{
		Model:           r.model,
		Class:           gateway.ClassGenerate,
		Prompt:          r.buildPrompt(text),
		Schema:          screenplaySchema,
		System:          prompts.SystemPrompt,
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: 64000,
	})
	if err != nil {
		return nil, fmt.Errorf("脚本化の呼び出しに失敗しました: %w", err)
	}

	var sp domain.Screenplay
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, fmt.Errorf("脚本応答のデコードに失敗しました: %w", err)
	}
	if len(sp.Episodes) == 0 {
		return nil, ErrNoEpisodes
	}
	for i := range sp.Episodes {
		sp.Episodes[i].EpisodeID = i + 1
	}

	slog.Info("SCREENWRITER: screenplay ready",
		"title", sp.Title, "episodes", len(sp.Episodes), "characters", len(sp.Characters))
	return &sp, nil
}

func (r *Runner) buildPrompt(text string) string {
	return fmt.Sprintf(`
# Role: MASTER SCREENWRITER (PROD-SPEC)

You are an outstanding screenwriter and master of film adaptations with 20 years of experience.
Your specialty is transforming prose into meticulously crafted Production Scripts ready for filming.
You don't write synopses.
You write action, sound, and light. You adapt the novel to tell complete story, but visually in top-class Action Movie.

## GOLDEN RULES OF TEXT

* **Show, Don't Tell:** Instead of "he got angry," write: "Gelsen grips the glass so hard his knuckles turn white. A crack creeps across the glass."
* **1:1 Density:** 1 page of screenplay = 1 minute of screen time. No condensed summaries.
* **Bullet Dialogue:** People don't speak in paragraphs. Lines should be short, character-specific, and subtext-laden.
* **Technical Block:** Each scene begins with a slug line: INT/EXT. LOCATION — TIME OF DAY.

## RESPONSE STRUCTURE

1. **Title and Logline.**
2. **Character List** (with brief psychological profiles).
3. **Screenplay** (broken down by scenes with dialogue and stage directions).
4. **"NITPICKER" Protocol Report** (Quote → Complaint → Solution).

LAUNCH INSTRUCTION: deliver text that makes the cinematographer itch to grab a camera.

1. Quote raw narrative text verbatim for the context.
2. Screenplay instructions will be used to generate cinematic prerolls for AI-driven animation.
3. Each episode should cover from 30 to 50 seconds of real-time action.
4. Total screen time for complete text must be at least 10 minutes.

%s

Respond in specified JSON format.

TEXT TO ADAPT:
<STORY>%s</STORY>
`, r.lib.Setting, text)
}
