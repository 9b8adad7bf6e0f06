package domain

// ReferenceType は視覚的識別子の種別です。
type ReferenceType string

const (
	TypeCharacter ReferenceType = "Character"
	TypeLocation  ReferenceType = "Location"
	TypeObject    ReferenceType = "Object"
	TypeRoom      ReferenceType = "Room"
	TypeVehicle   ReferenceType = "Vehicle"
	TypeInterface ReferenceType = "Interface"
)

// Reference は多数の独立した生成呼び出しをまたいで再利用される
// 視覚的識別子（キャラクター・ロケーション・オブジェクト等）の定義を保持します。
// VisualDesc が外見の正であり、VideoVisualDesc は再利用コストの安い短縮版です。
// StyleReference は自分以外を指す場合のみスタイル引き継ぎ元として使われ、
// 該当画像が無ければ引き継ぎ無しに静かに縮退します。
type Reference struct {
	Name            string        `json:"name"`
	Type            ReferenceType `json:"type"`
	VisualDesc      string        `json:"visual_desc"`
	VideoVisualDesc string        `json:"video_visual_desc"`
	StyleReference  string        `json:"style_reference"`
}

// ShortDesc は動画・リファイン用途の短い説明を返すのだ。短縮版が無ければ正を使うのだ。
func (r Reference) ShortDesc() string {
	if r.VideoVisualDesc != "" {
		return r.VideoVisualDesc
	}
	return r.VisualDesc
}
