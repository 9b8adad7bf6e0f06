package asset

import (
	"fmt"
	"regexp"
	"strconv"
)

// FrameRole はパネル画像のフレーム役割です。
type FrameRole string

const (
	FrameStart  FrameRole = "start"
	FrameEnd    FrameRole = "end"
	FrameStatic FrameRole = "static"
)

const (
	// GridFilePattern は統合グリッド画像のファイル名書式です。
	GridFilePattern = "scene_%03d_grid_combined.png"
	// ClipFilePattern は生成クリップのファイル名書式です。
	ClipFilePattern = "clip_%03d_%02d.mp4"
)

// panelFileRegex はパネル画像 (001_01_start.png 等) に一致します。
var panelFileRegex = regexp.MustCompile(`^(\d{3})_(\d{2})_(start|end|static)\.png$`)

// PanelAddress は {scene_id:3桁}_{panel_index:2桁}_{役割} の三つ組です。
// グリッド切り出し・アニメーション・リファイン・品質ゲートが独立に実装されても
// 同じ資産を指せるよう、エンコードとデコードは必ずこの型を経由します。
// ゼロ詰めの桁数（3桁/2桁）はステージ間の互換性を担う、変更不可の契約です。
type PanelAddress struct {
	SceneID    int
	PanelIndex int
	Role       FrameRole
}

// Key は役割を除いた "001_01" 形式のキーを返します。メタデータ索引用です。
func (a PanelAddress) Key() string {
	return fmt.Sprintf("%03d_%02d", a.SceneID, a.PanelIndex)
}

// Filename は "001_01_start.png" 形式のパネル画像ファイル名を返します。
func (a PanelAddress) Filename() string {
	return fmt.Sprintf("%03d_%02d_%s.png", a.SceneID, a.PanelIndex, a.Role)
}

// RefinedFilename はリファイン済みパネルのファイル名を返すのだ。
func (a PanelAddress) RefinedFilename() string {
	return fmt.Sprintf("%03d_%02d_%s_refined.png", a.SceneID, a.PanelIndex, a.Role)
}

// ClipFilename は対応する動画クリップのファイル名を返すのだ。役割は含まないのだ。
func (a PanelAddress) ClipFilename() string {
	return fmt.Sprintf(ClipFilePattern, a.SceneID, a.PanelIndex)
}

// ParsePanelFilename はパネル画像ファイル名から三つ組を復元します。
func ParsePanelFilename(name string) (PanelAddress, error) {
	m := panelFileRegex.FindStringSubmatch(name)
	if m == nil {
		return PanelAddress{}, fmt.Errorf("パネルファイル名の形式が不正です: %q", name)
	}
	sid, _ := strconv.Atoi(m[1])
	pid, _ := strconv.Atoi(m[2])
	return PanelAddress{SceneID: sid, PanelIndex: pid, Role: FrameRole(m[3])}, nil
}

// GridFilename はシーンの統合グリッド画像ファイル名を返します。
func GridFilename(sceneID int) string {
	return fmt.Sprintf(GridFilePattern, sceneID)
}
