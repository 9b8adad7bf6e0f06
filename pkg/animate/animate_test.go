package animate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
)

type stubVideo struct {
	calls []gateway.VideoRequest
	errAt map[int]error // 何回目の呼び出しで失敗するか（0始まり）
}

func (s *stubVideo) GenerateVideo(_ context.Context, req gateway.VideoRequest) ([]byte, error) {
	n := len(s.calls)
	s.calls = append(s.calls, req)
	if err, ok := s.errAt[n]; ok {
		return nil, err
	}
	return []byte("mp4-bytes"), nil
}

type stubProbe struct{}

func (stubProbe) GenerateStructured(context.Context, gateway.StructuredRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"need_references": "SKIP", "reason": "visible", "refs_to_provide": []}`), nil
}

func (stubProbe) GenerateImage(context.Context, gateway.ImageRequest) (*gateway.ImageArtifact, error) {
	panic("not used")
}

func setup(t *testing.T, video gateway.VideoService) (*Animator, string) {
	t.Helper()
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(outDir, "panels"), 0o755); err != nil {
		t.Fatal(err)
	}
	return NewAnimator(video, stubProbe{}, cat, "veo-model", "probe-model", "720p", outDir), outDir
}

func writePanel(t *testing.T, outDir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(outDir, "panels", name), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func corpusWith(dialogue string) *domain.SceneCorpus {
	return &domain.SceneCorpus{Scenes: []domain.Scene{
		{SceneID: 1, Panels: []domain.Panel{
			{PanelIndex: 1, VisualStart: "s", MotionPrompt: "m", Dialogue: dialogue},
			{PanelIndex: 2, VisualStart: "s2", MotionPrompt: "m2"},
		}},
	}}
}

func TestClipDuration(t *testing.T) {
	if d := clipDuration(domain.Panel{}, false); d != 4 {
		t.Errorf("台詞なし: %d, 期待値 4", d)
	}
	if d := clipDuration(domain.Panel{Dialogue: "one two three four five six seven eight nine ten eleven"}, false); d != 6 {
		t.Errorf("台詞11語: %d, 期待値 6", d)
	}
	if d := clipDuration(domain.Panel{Dialogue: "a b c d e f g h i j k l m n o p"}, false); d != 8 {
		t.Errorf("台詞16語: %d, 期待値 8", d)
	}
	if d := clipDuration(domain.Panel{}, true); d != 8 {
		t.Errorf("参照あり: %d, 期待値 8", d)
	}
}

func TestAnimator_Run(t *testing.T) {
	video := &stubVideo{}
	a, outDir := setup(t, video)
	writePanel(t, outDir, "001_01_start.png")
	writePanel(t, outDir, "001_01_end.png")
	writePanel(t, outDir, "001_02_static.png")

	stats, err := a.Run(context.Background(), corpusWith(""))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Generated != 2 || stats.Skipped != 0 || stats.Failed != 0 {
		t.Fatalf("集計が不正: %+v", stats)
	}

	// パネル1は補間モード（LastFrame あり, 8秒）
	if video.calls[0].LastFrame == nil || video.calls[0].DurationSeconds != 8 {
		t.Errorf("補間モードになっていない: %+v", video.calls[0])
	}
	// パネル2は static 単独、4秒
	if video.calls[1].LastFrame != nil || video.calls[1].DurationSeconds != 4 {
		t.Errorf("単独モードが不正: %+v", video.calls[1])
	}

	for _, name := range []string{"clip_001_01.mp4", "clip_001_02.mp4"} {
		if data, err := os.ReadFile(filepath.Join(a.ClipsDir(), name)); err != nil || len(data) == 0 {
			t.Errorf("%s が保存されていない", name)
		}
	}

	t.Run("再実行は既存クリップをスキップすること", func(t *testing.T) {
		stats2, err := a.Run(context.Background(), corpusWith(""))
		if err != nil {
			t.Fatal(err)
		}
		if stats2.Generated != 0 || stats2.Skipped != 2 {
			t.Errorf("スキップされていない: %+v", stats2)
		}
	})
}

func TestAnimator_Run_割当枯渇で即時停止すること(t *testing.T) {
	video := &stubVideo{errAt: map[int]error{0: gateway.ErrQuotaExhausted}}
	a, outDir := setup(t, video)
	writePanel(t, outDir, "001_01_static.png")
	writePanel(t, outDir, "001_02_static.png")

	_, err := a.Run(context.Background(), corpusWith(""))
	if !errors.Is(err, gateway.ErrQuotaExhausted) {
		t.Fatalf("割当枯渇が伝播しない: %v", err)
	}
	// 後続パネルは呼ばれないこと
	if len(video.calls) != 1 {
		t.Errorf("停止後も生成が続いた: %d 回", len(video.calls))
	}
}

func TestAnimator_Run_個別失敗は続行すること(t *testing.T) {
	video := &stubVideo{errAt: map[int]error{0: errors.New("transient meltdown")}}
	a, outDir := setup(t, video)
	writePanel(t, outDir, "001_01_static.png")
	writePanel(t, outDir, "001_02_static.png")

	stats, err := a.Run(context.Background(), corpusWith(""))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Generated != 1 {
		t.Errorf("集計が不正: %+v", stats)
	}
}
