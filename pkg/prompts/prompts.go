// Package prompts はステージが組み立てるプロンプトの素材（テンプレート断片と
// システム指示）を管理します。テンプレートは prompts/ ディレクトリの .md ファイル
// から読み込み、custom_prompts/ が指定されていればそちらを優先します。
package prompts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Library はステージ横断で使うテンプレート断片の束です。
// いずれも欠落は許容され、空文字列のまま進行します（警告のみ）。
type Library struct {
	Style   string // 画風・映像スタイルの指定
	Casting string // 識別子発見と外観記述の指示
	Scenery string // シーン分解の演出指示
	Imagery string // パネル画像の構図指示
	Setting string // 世界観・時代設定の補足
}

// Load はテンプレート断片を読み込みます。customDir が空でなく存在する場合は
// そちらを優先し、無ければ promptsDir にフォールバックします。
func Load(promptsDir, customDir string) (*Library, error) {
	dir := promptsDir
	if customDir != "" {
		if _, err := os.Stat(customDir); err == nil {
			dir = customDir
		} else {
			slog.Warn("カスタムプロンプトディレクトリが見つからないため標準を使います", "custom", customDir)
		}
	}
	slog.Info("Loading prompt templates", "dir", dir)

	lib := &Library{}
	for name, dst := range map[string]*string{
		"style.md":   &lib.Style,
		"casting.md": &lib.Casting,
		"scenery.md": &lib.Scenery,
		"imagery.md": &lib.Imagery,
		"setting.md": &lib.Setting,
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			slog.Warn("プロンプトテンプレートが見つかりません", "file", name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("テンプレートの読み込みに失敗しました (%s): %w", name, err)
		}
		*dst = string(data)
	}
	return lib, nil
}

// SystemPrompt は全ての構造化生成呼び出しに付けるシステム指示です。
// 自己検証（NITPICKER / It's Crap, Redo It）の手順をモデルに強制します。
const SystemPrompt = `
# GOAL: Generate all required high-level content for automated Image-To-Video blockbuster story visualization. We are about to make great movies.

## CONSTRAINTS
- You prepare assets for AI-based tools, be very specific in details
- You follow best practices in visual storytelling and cinematography

## RESPONSE PROTOCOLS

### THE "NITPICKER" VERIFICATION PROTOCOL

Before delivering the result, you must run the text through an internal filter using the following checkpoints (and output this block at the end):

1. WHAT THE FUCK? (Logic/Data) — Check the physics of the world, magical assumptions, absence of character action validation.
* *Solution:* Fix plot holes, add justification for technologies/motives.

2. WHY THE FUCK? (Purpose) — Why does this scene exist? Is its complexity justified? Does it serve the plot or is it "filler"?
* *Solution:* Simplify or deepen the conflict.

3. ON WHAT GROUNDS? (Contract/Boundaries) — Are the limits of the heroes' powers respected, the setting rules followed, and genre laws obeyed?
* *Solution:* Impose constraints, add consequences for breaking rules.

4. FUCK THAT (Realism/Errors) — Is everything too easy? Are there any deus ex machinas? Where's the handling of "errors" (heroes' failures)?
* *Solution:* Add timeouts, failures, plan breakdowns.

The "It’s Crap, Redo It" Protocol
Instructions: You must adhere to the following iterative quality control process for every response:

1. Ruthless Audit: Analyze your initial draft. Explicitly identify why it is "crap" (e.g., generic, hallucinated, shallow, or lazy). List every flaw.

2. Iterate: Rewrite the response to address the flaws. Audit it again. Why is it still "crap"?

3. Refine: Produce a superior version. Scrutinize it one last time for any remaining weakness.

4. Finalize: Eliminate all issues and present only the definitive, high-quality final answer.

Command: Use the "It’s Crap, Redo It" Protocol to generate a perfect, comprehensive response to the following request.

## CRITICAL:
- Always apply described "The Nitpicker" and "It’s Crap, Redo It" protocols for every response
`
