package grid

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/asset"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"
)

func TestGridDims(t *testing.T) {
	cases := []struct{ panels, cols, rows int }{
		{9, 3, 3},
		{6, 3, 2},
		{4, 2, 2},
		{5, 3, 2},
		{12, 3, 4},
		{1, 3, 1},
	}
	for _, tc := range cases {
		cols, rows := GridDims(tc.panels)
		if cols != tc.cols || rows != tc.rows {
			t.Errorf("GridDims(%d) = (%d,%d), 期待値 (%d,%d)", tc.panels, cols, rows, tc.cols, tc.rows)
		}
	}
}

// testImage は位置が判別できるグラデーション画像を作るのだ。
func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), A: 255})
		}
	}
	return img
}

func TestCropGrid_シングルグリッド(t *testing.T) {
	cfg := config.Default()
	cfg.Format.Type = config.TypeSingleGrid
	cfg.Format.PanelsPerScene = 9
	cfg.Slicing.FrameTypes = []string{"static"}

	crops, err := CropGrid(testImage(1200, 1200), 1, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(crops) != 9 {
		t.Fatalf("切り出し数 %d, 期待値 9", len(crops))
	}
	for i, c := range crops {
		want := asset.PanelAddress{SceneID: 1, PanelIndex: i + 1, Role: asset.FrameStatic}
		if c.Addr != want {
			t.Errorf("crops[%d].Addr = %+v, 期待値 %+v", i, c.Addr, want)
		}
		b := c.Img.Bounds()
		if b.Dx() != 400 || b.Dy() != 400 {
			t.Errorf("crops[%d] のサイズ %dx%d, 期待値 400x400", i, b.Dx(), b.Dy())
		}
	}
	// 走査順: 左上から行優先
	if crops[3].Img.Bounds().Min.X != 0 || crops[3].Img.Bounds().Min.Y != 400 {
		t.Errorf("パネル4の位置が不正: %v", crops[3].Img.Bounds().Min)
	}
}

func TestCropGrid_デュアルグリッドは垂直中央で分割されること(t *testing.T) {
	cfg := config.Default() // dual_grid_animation, 9 panels

	crops, err := CropGrid(testImage(900, 1200), 3, cfg)
	if err != nil {
		t.Fatal(err)
	}
	// start 9枚 + end 9枚
	if len(crops) != 18 {
		t.Fatalf("切り出し数 %d, 期待値 18", len(crops))
	}

	starts, ends := crops[:9], crops[9:]
	for i, c := range starts {
		if c.Addr.Role != asset.FrameStart || c.Addr.PanelIndex != i+1 {
			t.Errorf("starts[%d].Addr = %+v", i, c.Addr)
		}
		if c.Img.Bounds().Max.Y > 600 {
			t.Errorf("start パネルが下半分にはみ出している: %v", c.Img.Bounds())
		}
	}
	for i, c := range ends {
		if c.Addr.Role != asset.FrameEnd || c.Addr.PanelIndex != i+1 {
			t.Errorf("ends[%d].Addr = %+v", i, c.Addr)
		}
		if c.Img.Bounds().Min.Y < 600 {
			t.Errorf("end パネルが上半分にはみ出している: %v", c.Img.Bounds())
		}
	}
	// 各パネルは 300x200
	if b := starts[0].Img.Bounds(); b.Dx() != 300 || b.Dy() != 200 {
		t.Errorf("パネルサイズ %dx%d, 期待値 300x200", b.Dx(), b.Dy())
	}
}

func TestCropGrid_非矩形パネル数では余りセルを切り出さないこと(t *testing.T) {
	cfg := config.Default() // dual_grid_animation
	cfg.Format.PanelsPerScene = 5

	// 5パネル → 3×2 のグリッドで末尾1セルが空になる
	crops, err := CropGrid(testImage(900, 800), 2, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(crops) != 10 {
		t.Fatalf("切り出し数 %d, 期待値 10（start/end 各5枚）", len(crops))
	}
	for _, c := range crops {
		if c.Addr.PanelIndex > 5 {
			t.Errorf("空セルが切り出された: %+v", c.Addr)
		}
	}
	if crops[4].Addr.Role != asset.FrameStart || crops[9].Addr.Role != asset.FrameEnd {
		t.Errorf("役割の並びが不正: %+v / %+v", crops[4].Addr, crops[9].Addr)
	}
}

type stubService struct {
	imageCalls int
	structured json.RawMessage
}

func (s *stubService) GenerateStructured(context.Context, gateway.StructuredRequest) (json.RawMessage, error) {
	return s.structured, nil
}

func (s *stubService) GenerateImage(context.Context, gateway.ImageRequest) (*gateway.ImageArtifact, error) {
	s.imageCalls++
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(600, 800)); err != nil {
		return nil, err
	}
	return &gateway.ImageArtifact{Data: buf.Bytes(), MIMEType: "image/png"}, nil
}

func newTestRenderer(t *testing.T, svc gateway.Service) *Renderer {
	t.Helper()
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewRenderer(svc, cat, &prompts.Library{}, config.Default(), "image-model", "text-model", t.TempDir())
}

func TestRenderer_RenderScene(t *testing.T) {
	svc := &stubService{}
	r := newTestRenderer(t, svc)

	scene := domain.Scene{
		SceneID:  1,
		Location: "Jungle",
		Panels: []domain.Panel{
			{PanelIndex: 1, VisualStart: "s1", VisualEnd: "e1", MotionPrompt: "m1"},
		},
	}
	if err := r.RenderScene(context.Background(), scene); err != nil {
		t.Fatal(err)
	}
	if svc.imageCalls != 1 {
		t.Fatalf("画像呼び出し %d 回, 期待値 1", svc.imageCalls)
	}
	if _, err := os.Stat(r.CompositePath(1)); err != nil {
		t.Fatal("統合グリッドが保存されていない")
	}
	// dual 9パネル → start/end 各9枚
	entries, err := os.ReadDir(r.PanelsDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 18 {
		t.Errorf("パネルファイル数 %d, 期待値 18", len(entries))
	}
	if _, err := os.Stat(filepath.Join(r.PanelsDir(), "001_09_end.png")); err != nil {
		t.Error("001_09_end.png がない")
	}

	t.Run("再実行は生成をスキップし切り出しだけ行うこと", func(t *testing.T) {
		if err := os.RemoveAll(r.PanelsDir()); err != nil {
			t.Fatal(err)
		}
		if err := r.RenderScene(context.Background(), scene); err != nil {
			t.Fatal(err)
		}
		if svc.imageCalls != 1 {
			t.Errorf("既存グリッドなのに再生成された: %d 回", svc.imageCalls)
		}
		entries, err := os.ReadDir(r.PanelsDir())
		if err != nil || len(entries) != 18 {
			t.Errorf("切り出しの補修が行われていない: %d 件, err=%v", len(entries), err)
		}
	})
}
