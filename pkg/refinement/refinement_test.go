package refinement

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/asset"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"
)

type stubService struct {
	mu      sync.Mutex
	prompts []string
}

func (s *stubService) GenerateStructured(context.Context, gateway.StructuredRequest) (json.RawMessage, error) {
	panic("not used")
}

func (s *stubService) GenerateImage(_ context.Context, req gateway.ImageRequest) (*gateway.ImageArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	return &gateway.ImageArtifact{Data: []byte("refined-png"), MIMEType: "image/png"}, nil
}

func testCorpus() *domain.SceneCorpus {
	return &domain.SceneCorpus{Scenes: []domain.Scene{
		{SceneID: 1, Location: "Jungle", Panels: []domain.Panel{
			{PanelIndex: 1, VisualStart: "hunter aims", VisualEnd: "hunter fires", References: []string{"Eckels"}},
			{PanelIndex: 2, VisualStart: "beast charges", References: []string{"Eckels"}},
		}},
	}}
}

func setupRefiner(t *testing.T, report *domain.QualityReport) (*Refiner, *stubService) {
	t.Helper()
	svc := &stubService{}
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.Register(domain.Reference{Name: "Eckels", Type: domain.TypeCharacter, VisualDesc: "hunter", VideoVisualDesc: "hunter"}); err != nil {
		t.Fatal(err)
	}
	if err := cat.ReplaceImage("Eckels", []byte("ref-png")); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	panelsDir := filepath.Join(outDir, "panels")
	if err := os.MkdirAll(panelsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"001_01_start.png", "001_01_end.png", "001_02_start.png", "001_02_end.png"} {
		if err := os.WriteFile(filepath.Join(panelsDir, name), []byte("orig"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default() // frame_types: [start, end]
	return NewRefiner(svc, cat, &prompts.Library{}, cfg, "image-model", outDir, 2, report), svc
}

func TestRefiner_Batch(t *testing.T) {
	report := &domain.QualityReport{
		Threshold: 5, TotalPanels: 2, NeedsRefinement: 1,
		Panels: []domain.Directive{
			{SceneID: 1, PanelID: 1, NeedsRefinement: true, RefinementPrompt: "fix the jaw shape"},
			{SceneID: 1, PanelID: 2, NeedsRefinement: false},
		},
	}
	r, svc := setupRefiner(t, report)

	stats, err := r.Batch(context.Background(), testCorpus(), report)
	if err != nil {
		t.Fatal(err)
	}
	// パネル1 × {start, end} の2件のみ
	if stats.Refined != 2 || stats.Failed != 0 || stats.Skipped != 0 {
		t.Fatalf("集計が不正: %+v", stats)
	}
	for _, name := range []string{"001_01_start_refined.png", "001_01_end_refined.png"} {
		data, err := os.ReadFile(filepath.Join(r.RefinedDir(), name))
		if err != nil || string(data) != "refined-png" {
			t.Errorf("%s が保存されていない", name)
		}
	}
	if _, err := os.Stat(filepath.Join(r.RefinedDir(), "001_02_start_refined.png")); !os.IsNotExist(err) {
		t.Error("通過パネルまでリファインされた")
	}
	// 品質レポートのパネル固有指示がプロンプトに入ること
	found := false
	for _, p := range svc.prompts {
		if strings.Contains(p, "fix the jaw shape") {
			found = true
		}
	}
	if !found {
		t.Error("refinement_prompt がプロンプトに反映されていない")
	}

	t.Run("再実行は既存をスキップすること", func(t *testing.T) {
		stats2, err := r.Batch(context.Background(), testCorpus(), report)
		if err != nil {
			t.Fatal(err)
		}
		if stats2.Refined != 0 || stats2.Skipped != 2 {
			t.Errorf("スキップされていない: %+v", stats2)
		}
	})
}

func TestRefiner_RefinePanel_参照なしはエラーになること(t *testing.T) {
	r, _ := setupRefiner(t, nil)
	corpus := &domain.SceneCorpus{Scenes: []domain.Scene{
		{SceneID: 1, Panels: []domain.Panel{{PanelIndex: 1, VisualStart: "s"}}},
	}}
	addr := asset.PanelAddress{SceneID: 1, PanelIndex: 1, Role: asset.FrameStart}
	if err := r.RefinePanel(context.Background(), corpus, addr); err == nil {
		t.Error("参照なしパネルが成功扱いになった")
	}
}
