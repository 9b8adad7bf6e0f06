package domain

// RenumberPanels はパネルに 1..K の密な連番を振り直すのだ。
// リファインでパネルの増減や並び替えが起きても、番号の一意性はここで回復するのだ。
func (s *Scene) RenumberPanels() {
	for i := range s.Panels {
		s.Panels[i].PanelIndex = i + 1
	}
}

// ApplyDefaults はレスポンスで省略されがちな任意フィールドに既定値を入れます。
// is_reversed は false、motion_prompt_reversed は空文字が明示的な既定値です。
func (p *Panel) ApplyDefaults() {
	if !p.IsReversed {
		p.MotionPromptReversed = ""
	}
}

// ApplyReversal はリバース・リビール用の原子的な差し替えを行います。
// 元の MotionPrompt を退避し、順再生用の逆方向モーションに置き換えたうえで
// VisualStart / VisualEnd の内容を入れ替えます。3つの操作は常にセットで、
// 個別には適用しません。
func (p *Panel) ApplyReversal(reversedMotion string) {
	p.MotionPromptOriginal = p.MotionPrompt
	p.MotionPrompt = reversedMotion
	p.VisualStart, p.VisualEnd = p.VisualEnd, p.VisualStart
}

// ReversedPanels はリバース指定のあるパネルだけを返すのだ。
func (s *Scene) ReversedPanels() []Panel {
	var out []Panel
	for _, p := range s.Panels {
		if p.IsReversed {
			out = append(out, p)
		}
	}
	return out
}

// CollectReferences はシーン内の全パネルが参照する識別子名を、
// 初出順を保ったまま重複なしで集めます。
func (s *Scene) CollectReferences() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, p := range s.Panels {
		for _, ref := range p.References {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			names = append(names, ref)
		}
	}
	return names
}

// AssignSceneIDs は合流後のシーン列に 1..M の密なグローバル連番を振ります。
// 並列解析の完了順に依存しないよう、呼び出し側はエピソード順に整列してから渡します。
func (c *SceneCorpus) AssignSceneIDs() {
	for i := range c.Scenes {
		c.Scenes[i].SceneID = i + 1
	}
}

// FindPanel は (scene_id, panel_index) でパネルを特定します。見つからなければ nil です。
func (c *SceneCorpus) FindPanel(sceneID, panelIndex int) (*Scene, *Panel) {
	for i := range c.Scenes {
		if c.Scenes[i].SceneID != sceneID {
			continue
		}
		for j := range c.Scenes[i].Panels {
			if c.Scenes[i].Panels[j].PanelIndex == panelIndex {
				return &c.Scenes[i], &c.Scenes[i].Panels[j]
			}
		}
		return &c.Scenes[i], nil
	}
	return nil, nil
}
