package domain

import (
	"reflect"
	"testing"
)

func TestScene_RenumberPanels(t *testing.T) {
	t.Run("歯抜けの番号が密な連番に振り直されるのだ", func(t *testing.T) {
		s := Scene{Panels: []Panel{
			{PanelIndex: 3},
			{PanelIndex: 7},
			{PanelIndex: 1},
		}}
		s.RenumberPanels()

		for i, p := range s.Panels {
			if p.PanelIndex != i+1 {
				t.Errorf("panel %d: 期待値 %d, 実際の値 %d", i, i+1, p.PanelIndex)
			}
		}
	})
}

func TestPanel_ApplyReversal(t *testing.T) {
	p := Panel{
		VisualStart:  "fog",
		VisualEnd:    "man revealed",
		MotionPrompt: "fog clears",
		IsReversed:   true,
	}
	p.ApplyReversal("fog forms over 3s")

	if p.VisualStart != "man revealed" {
		t.Errorf("VisualStart が入れ替わっていない: %q", p.VisualStart)
	}
	if p.VisualEnd != "fog" {
		t.Errorf("VisualEnd が入れ替わっていない: %q", p.VisualEnd)
	}
	if p.MotionPrompt != "fog forms over 3s" {
		t.Errorf("MotionPrompt が差し替わっていない: %q", p.MotionPrompt)
	}
	if p.MotionPromptOriginal != "fog clears" {
		t.Errorf("元の MotionPrompt が退避されていない: %q", p.MotionPromptOriginal)
	}
}

func TestScene_CollectReferences(t *testing.T) {
	s := Scene{Panels: []Panel{
		{References: []string{"Eckels", "Time Machine"}},
		{References: []string{"Time Machine", "Travis"}},
	}}

	got := s.CollectReferences()
	want := []string{"Eckels", "Time Machine", "Travis"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("初出順の重複なし収集になっていない。期待: %v, 実際: %v", want, got)
	}
}

func TestSceneCorpus_AssignSceneIDs(t *testing.T) {
	c := SceneCorpus{Scenes: []Scene{{SceneID: 0}, {SceneID: 99}, {SceneID: 0}}}
	c.AssignSceneIDs()

	for i, s := range c.Scenes {
		if s.SceneID != i+1 {
			t.Errorf("scene %d: 期待値 %d, 実際の値 %d", i, i+1, s.SceneID)
		}
	}
}

func TestSceneCorpus_FindPanel(t *testing.T) {
	c := SceneCorpus{Scenes: []Scene{
		{SceneID: 1, Panels: []Panel{{PanelIndex: 1}}},
		{SceneID: 2, Panels: []Panel{{PanelIndex: 1}, {PanelIndex: 2, Dialogue: "run"}}},
	}}

	t.Run("存在するパネルを引けること", func(t *testing.T) {
		scene, panel := c.FindPanel(2, 2)
		if scene == nil || panel == nil {
			t.Fatal("パネルが見つからない")
		}
		if panel.Dialogue != "run" {
			t.Errorf("別のパネルが返った: %+v", panel)
		}
	})

	t.Run("存在しないシーンでは nil が返ること", func(t *testing.T) {
		scene, panel := c.FindPanel(9, 1)
		if scene != nil || panel != nil {
			t.Error("nil が返らなかった")
		}
	})
}
