package domain

// Screenplay は脚本分解ステージが返す作品全体の構造です。
// episodes の順序はレスポンス順のまま確定し、EpisodeID は 1 始まりの連番で振り直されます。
type Screenplay struct {
	Logline         string    `json:"logline"`
	Title           string    `json:"title"`
	Characters      []string  `json:"characters"`
	NitpickerReport string    `json:"nitpicker_report"`
	RedoReport      string    `json:"shit_redo_report,omitempty"`
	Episodes        []Episode `json:"episodes"`
}

// Episode は約30〜50秒の映像に相当する物語単位なのだ。
// 分解ステージの所有物であり、以降のステージからは読み取り専用のコンテキストとして扱うのだ。
type Episode struct {
	EpisodeID              int    `json:"episode_id"`
	Location               string `json:"location"`
	Daytime                string `json:"daytime"`
	RawNarrative           string `json:"raw_narrative"`
	ScreenplayInstructions string `json:"screenplay_instructions"`
}

// Scene は1つのエピソードに属する映像単位です。
// SceneID は生成時には未定で、全エピソードの並列解析が合流した後の
// 連番付与パスで初めて確定します（完了順ではなくエピソード順）。
type Scene struct {
	SceneID              int     `json:"scene_id"`
	Location             string  `json:"location"`
	PreActionDescription string  `json:"pre_action_description,omitempty"`
	Panels               []Panel `json:"panels"`
}

// Panel は描画可能な最小単位です。
// IsReversed が true のとき、VisualStart は視聴者が最初に見る（物語上は最終の）状態、
// VisualEnd は最後に明かされる状態を指します。MotionPrompt には順再生で物理的に
// 成立する遷移が入り、後段で逆再生されることを前提とします。
type Panel struct {
	PanelIndex           int      `json:"panel_index"`
	VisualStart          string   `json:"visual_start"`
	VisualEnd            string   `json:"visual_end"`
	MotionPrompt         string   `json:"motion_prompt"`
	IsReversed           bool     `json:"is_reversed"`
	MotionPromptReversed string   `json:"motion_prompt_reversed"`
	MotionPromptOriginal string   `json:"motion_prompt_original,omitempty"`
	LightsAndCamera      string   `json:"lights_and_camera"`
	Dialogue             string   `json:"dialogue"`
	Caption              string   `json:"caption"`
	Duration             int      `json:"duration"`
	References           []string `json:"references"`
}

// SceneCorpus は全シーンを束ねた成果物（animation_metadata.json の中身）です。
type SceneCorpus struct {
	Scenes []Scene `json:"scenes"`
}
