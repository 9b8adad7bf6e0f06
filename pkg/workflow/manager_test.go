package workflow

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/continuity"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"
)

// quietService はサービス呼び出しが起きないことを検証するためのスタブなのだ。
type quietService struct{ t *testing.T }

func (s quietService) GenerateStructured(context.Context, gateway.StructuredRequest) (json.RawMessage, error) {
	s.t.Fatal("構造化生成が呼ばれてはいけない")
	return nil, nil
}

func (s quietService) GenerateImage(context.Context, gateway.ImageRequest) (*gateway.ImageArtifact, error) {
	s.t.Fatal("画像生成が呼ばれてはいけない")
	return nil, nil
}

func newTestManager(t *testing.T, svc gateway.Service) (*Manager, string) {
	t.Helper()
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	m, err := New(Args{
		Service: svc, Catalog: cat, Library: &prompts.Library{},
		Stage: config.Default(), TextModel: "text", ImageModel: "image",
		OutDir: outDir, Workers: 2, Threshold: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, outDir
}

func TestNew_必須依存が欠けるとエラーになること(t *testing.T) {
	if _, err := New(Args{}); err == nil {
		t.Error("Service なしで組み立てられてしまった")
	}
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Args{Service: quietService{t}, Catalog: cat}); err == nil {
		t.Error("Library なしで組み立てられてしまった")
	}
}

func TestLoadCorpus_整合化済みを優先すること(t *testing.T) {
	m, outDir := newTestManager(t, quietService{t})

	write := func(name string, scenes int) {
		corpus := domain.SceneCorpus{Scenes: make([]domain.Scene, scenes)}
		data, _ := json.Marshal(corpus)
		if err := os.WriteFile(filepath.Join(outDir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(MetadataFilename, 1)

	got, err := m.LoadCorpus()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Scenes) != 1 {
		t.Fatalf("scenes = %d", len(got.Scenes))
	}

	t.Run("整合化済みがあればそちらを読むこと", func(t *testing.T) {
		write(continuity.ConsistentFilename, 2)
		got, err := m.LoadCorpus()
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Scenes) != 2 {
			t.Errorf("scenes = %d", len(got.Scenes))
		}
		// 整合化ステージ自身の入力は元スナップショットのまま
		orig, err := m.LoadOriginalCorpus()
		if err != nil {
			t.Fatal(err)
		}
		if len(orig.Scenes) != 1 {
			t.Errorf("original scenes = %d", len(orig.Scenes))
		}
	})
}

func TestGrid_生成済みシーンは切り出しだけ行うこと(t *testing.T) {
	m, outDir := newTestManager(t, quietService{t})

	// 統合グリッドを先に置いておけばサービスは一切呼ばれないはず
	img := image.NewRGBA(image.Rect(0, 0, 300, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	f, err := os.Create(filepath.Join(outDir, "scene_001_grid_combined.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	corpus := &domain.SceneCorpus{Scenes: []domain.Scene{{SceneID: 1, Panels: []domain.Panel{{PanelIndex: 1}}}}}
	if err := m.Grid(context.Background(), corpus); err != nil {
		t.Fatal(err)
	}
	// 既定はデュアルグリッドなので 9 パネル × start/end が切り出される
	entries, err := os.ReadDir(filepath.Join(outDir, "panels"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 18 {
		t.Errorf("panels = %d, 期待値 18", len(entries))
	}
}
