package domain

// Directive は品質ゲートが1パネルごとに出す構造化された判定です。
// スコアは 0〜10 の範囲に丸め、NeedsRefinement が false のとき
// RefinementPrompt は必ず空文字列であることを保証します。
type Directive struct {
	Fidelity             int      `json:"fidelity"`
	CharacterConsistency int      `json:"character_consistency"`
	CompositionMatch     int      `json:"composition_match"`
	Artifacts            []string `json:"artifacts"`
	NeedsRefinement      bool     `json:"needs_refinement"`
	RefinementPrompt     string   `json:"refinement_prompt"`
	Reasoning            string   `json:"reasoning,omitempty"`

	SceneID            int      `json:"scene_id"`
	PanelID            int      `json:"panel_id"`
	ReferencesExpected []string `json:"references_expected,omitempty"`
	ReferencesLoaded   []string `json:"references_loaded,omitempty"`
}

// Normalize はスコアの値域と NeedsRefinement / RefinementPrompt の対を正規化します。
// 判定そのものは上流の採点呼び出しを信頼し、ここでは再導出しません。
func (d *Directive) Normalize() {
	d.Fidelity = clampScore(d.Fidelity)
	d.CharacterConsistency = clampScore(d.CharacterConsistency)
	d.CompositionMatch = clampScore(d.CompositionMatch)
	if !d.NeedsRefinement {
		d.RefinementPrompt = ""
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// QualityReport は1実行分の全パネル判定を束ねた副次レポートです。
// 正規のシーン/パネル記録には混ぜず、(scene_id, panel_id) で引けるよう保持します。
type QualityReport struct {
	Model           string      `json:"model"`
	Threshold       int         `json:"threshold"`
	TotalPanels     int         `json:"total_panels"`
	NeedsRefinement int         `json:"needs_refinement"`
	AvgFidelity     float64     `json:"avg_fidelity"`
	AvgConsistency  float64     `json:"avg_character_consistency"`
	Panels          []Directive `json:"panels"`
}

// AllPassed は全パネルが閾値を通過したかどうかを返すのだ。ゲートの終了コード判定に使うのだ。
func (r *QualityReport) AllPassed() bool {
	return r.NeedsRefinement == 0
}
