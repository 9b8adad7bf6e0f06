package asset

import "testing"

func TestPanelAddress_Filename(t *testing.T) {
	a := PanelAddress{SceneID: 1, PanelIndex: 3, Role: FrameStart}
	if got := a.Filename(); got != "001_03_start.png" {
		t.Errorf("期待値 001_03_start.png, 実際の値 %s", got)
	}
	if got := a.Key(); got != "001_03" {
		t.Errorf("期待値 001_03, 実際の値 %s", got)
	}
	if got := a.ClipFilename(); got != "clip_001_03.mp4" {
		t.Errorf("期待値 clip_001_03.mp4, 実際の値 %s", got)
	}
	if got := a.RefinedFilename(); got != "001_03_start_refined.png" {
		t.Errorf("期待値 001_03_start_refined.png, 実際の値 %s", got)
	}
}

func TestParsePanelFilename(t *testing.T) {
	t.Run("往復変換で同じ三つ組に戻ること", func(t *testing.T) {
		orig := PanelAddress{SceneID: 42, PanelIndex: 9, Role: FrameStatic}
		got, err := ParsePanelFilename(orig.Filename())
		if err != nil {
			t.Fatalf("パース失敗: %v", err)
		}
		if got != orig {
			t.Errorf("期待: %+v, 実際: %+v", orig, got)
		}
	})

	t.Run("桁数違いは拒否されること", func(t *testing.T) {
		for _, name := range []string{"1_01_start.png", "001_1_start.png", "001_01_first.png", "001_01_start.jpg"} {
			if _, err := ParsePanelFilename(name); err == nil {
				t.Errorf("%q が受理されてしまった", name)
			}
		}
	})
}

func TestGridFilename(t *testing.T) {
	if got := GridFilename(7); got != "scene_007_grid_combined.png" {
		t.Errorf("期待値 scene_007_grid_combined.png, 実際の値 %s", got)
	}
}
