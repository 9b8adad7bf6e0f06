package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"Time Machine":   "time_machine",
		"O'Neil":         "o_neil",
		"A/B Path":       "a-b_path",
		`The "Sound"`:    "the_sound",
		"  Eckels  ":     "eckels",
		"Tyrannosaurus":  "tyrannosaurus",
		"Anti-Grav Path": "anti-grav_path",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, 期待値 %q", in, got, want)
		}
	}
}

func TestCatalog_参照名の一意性(t *testing.T) {
	cat, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := cat.Register(domain.Reference{Name: "Eckels", Type: domain.TypeCharacter, VisualDesc: "a nervous hunter"}); err != nil {
		t.Fatal(err)
	}
	// 空白・大文字小文字ゆらぎは同一エントリとして扱われること
	if err := cat.Register(domain.Reference{Name: "eckels ", Type: domain.TypeCharacter, VisualDesc: "updated desc"}); err != nil {
		t.Fatal(err)
	}

	if cat.Len() != 1 {
		t.Fatalf("エントリが %d 件ある（1件に解決されるべき）", cat.Len())
	}
	ref, ok := cat.Lookup("ECKELS")
	if !ok {
		t.Fatal("大文字名で解決できない")
	}
	if ref.VisualDesc != "updated desc" {
		t.Errorf("再登録が完全置換になっていない: %q", ref.VisualDesc)
	}
}

func TestCatalog_Register_検証(t *testing.T) {
	cat, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	t.Run("名前なしは拒否", func(t *testing.T) {
		err := cat.Register(domain.Reference{VisualDesc: "desc"})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("ErrValidation が返らない: %v", err)
		}
	})

	t.Run("説明なしは拒否", func(t *testing.T) {
		err := cat.Register(domain.Reference{Name: "Travis"})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("ErrValidation が返らない: %v", err)
		}
	})
}

func TestCatalog_LookupFallback(t *testing.T) {
	cat, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.Register(domain.Reference{Name: "Time Machine", Type: domain.TypeObject, VisualDesc: "a brass capsule"}); err != nil {
		t.Fatal(err)
	}

	for _, q := range []string{"Time Machine", "time machine", "time-machine", "TIME_MACHINE"} {
		if _, ok := cat.Lookup(q); !ok {
			t.Errorf("%q で解決できない", q)
		}
	}
	if _, ok := cat.Lookup("Sound Machine"); ok {
		t.Error("未登録名が解決されてしまった")
	}
}

func TestCatalog_ReplaceImage(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.Register(domain.Reference{Name: "Travis", Type: domain.TypeCharacter, VisualDesc: "safari guide"}); err != nil {
		t.Fatal(err)
	}

	if cat.HasImage("Travis") {
		t.Fatal("未生成なのに HasImage=true")
	}
	if err := cat.ReplaceImage("Travis", []byte("png-bytes-v1")); err != nil {
		t.Fatal(err)
	}
	data, ok := cat.ImageFor("Travis")
	if !ok || string(data) != "png-bytes-v1" {
		t.Fatalf("画像の読み戻しに失敗: ok=%v data=%q", ok, data)
	}

	// 差し替え後も一時ファイルが残らないこと
	if err := cat.ReplaceImage("Travis", []byte("png-bytes-v2")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "travis.png.tmp")); !os.IsNotExist(err) {
		t.Error("一時ファイルが残っている")
	}
	data, _ = cat.ImageFor("Travis")
	if string(data) != "png-bytes-v2" {
		t.Errorf("差し替え後の内容が不正: %q", data)
	}

	if err := cat.ReplaceImage("Unknown", []byte("x")); err == nil {
		t.Error("未登録名への画像差し替えが成功してしまった")
	}
}

func TestCatalog_Reload(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.Register(domain.Reference{Name: "Jungle Path", Type: domain.TypeLocation, VisualDesc: "levitating metal walkway"}); err != nil {
		t.Fatal(err)
	}
	if err := cat.ReplaceImage("Jungle Path", []byte("img")); err != nil {
		t.Fatal(err)
	}

	// 別プロセス相当: 同じディレクトリを開き直して復元できること
	cat2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	ref, ok := cat2.Lookup("jungle path")
	if !ok || ref.Type != domain.TypeLocation {
		t.Fatalf("再読込後の解決に失敗: ok=%v ref=%+v", ok, ref)
	}
	if !cat2.HasImage("Jungle Path") {
		t.Error("再読込後に画像が見えない")
	}

	if err := cat.Reload(); err != nil {
		t.Fatal(err)
	}
	if cat.Len() != 1 {
		t.Errorf("Reload 後のエントリ数が不正: %d", cat.Len())
	}
}
