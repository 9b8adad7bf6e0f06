package catalog

import (
	"strings"
	"unicode"
)

// slugSanitizer はファイル名として安全なスラグを作るための置換規則です。
// 参照JSONと参照画像は必ずこのスラグで保存されるため、
// 大文字小文字や空白だけが違う名前は同じエントリに解決されます。
var slugSanitizer = strings.NewReplacer(
	"/", "-",
	"'", " ",
	`"`, "",
)

// Sanitize は参照名を保存用スラグに変換します。
// 例: "Time Machine" -> "time_machine", "O'Neil" -> "o_neil"
func Sanitize(name string) string {
	s := slugSanitizer.Replace(name)
	s = strings.Join(strings.Fields(s), "_")
	return strings.ToLower(s)
}

// Normalize は検索用の正規化キーを作るのだ。
// 小文字化し、空白・ハイフン・アンダースコアの連続を単一区切りに潰し、
// それ以外の記号は捨てるのだ。
func Normalize(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			pendingSep = true
		default:
			// 句読点・引用符は無視
		}
	}
	return b.String()
}

// TitleCase は "time machine" 系の名前を "Time Machine" 形式に直すフォールバック用ヘルパーです。
func TitleCase(name string) string {
	fields := strings.Fields(strings.ReplaceAll(strings.ReplaceAll(name, "-", " "), "_", " "))
	for i, f := range fields {
		r := []rune(f)
		r[0] = unicode.ToUpper(r[0])
		for j := 1; j < len(r); j++ {
			r[j] = unicode.ToLower(r[j])
		}
		fields[i] = string(r)
	}
	return strings.Join(fields, " ")
}
