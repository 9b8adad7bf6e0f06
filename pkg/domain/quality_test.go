package domain

import "testing"

func TestDirective_Normalize(t *testing.T) {
	t.Run("スコアが0〜10に丸められること", func(t *testing.T) {
		d := Directive{Fidelity: 15, CharacterConsistency: -3, CompositionMatch: 10, NeedsRefinement: true, RefinementPrompt: "fix"}
		d.Normalize()

		if d.Fidelity != 10 || d.CharacterConsistency != 0 || d.CompositionMatch != 10 {
			t.Errorf("丸めが不正: %+v", d)
		}
		if d.RefinementPrompt != "fix" {
			t.Error("要リファイン時のプロンプトが消えている")
		}
	})

	t.Run("リファイン不要のときプロンプトが空になること", func(t *testing.T) {
		d := Directive{Fidelity: 8, NeedsRefinement: false, RefinementPrompt: "leftover"}
		d.Normalize()

		if d.RefinementPrompt != "" {
			t.Errorf("不要パネルに refinement_prompt が残っている: %q", d.RefinementPrompt)
		}
	})
}

func TestQualityReport_AllPassed(t *testing.T) {
	r := QualityReport{TotalPanels: 5, NeedsRefinement: 0}
	if !r.AllPassed() {
		t.Error("全通過のはずが AllPassed=false")
	}
	r.NeedsRefinement = 1
	if r.AllPassed() {
		t.Error("要リファインありで AllPassed=true")
	}
}
