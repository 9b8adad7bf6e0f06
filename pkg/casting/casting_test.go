package casting

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/catalog"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/gateway"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/prompts"
)

type stubService struct {
	mu         sync.Mutex
	structured json.RawMessage
	lastPrompt string
	imageCalls []gateway.ImageRequest
	imageErr   map[string]error // 部分文字列マッチでエラーを返す
}

func (s *stubService) GenerateStructured(_ context.Context, req gateway.StructuredRequest) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrompt = req.Prompt
	return s.structured, nil
}

func (s *stubService) GenerateImage(_ context.Context, req gateway.ImageRequest) (*gateway.ImageArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageCalls = append(s.imageCalls, req)
	for sub, err := range s.imageErr {
		if strings.Contains(req.Prompt, sub) {
			return nil, err
		}
	}
	return &gateway.ImageArtifact{Data: []byte("png:" + req.Prompt[:20]), MIMEType: "image/png"}, nil
}

func newRunnerForTest(t *testing.T, svc *stubService) (*Runner, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewRunner(svc, cat, &prompts.Library{}, config.Default(), "text-model", "image-model", 2), cat
}

func TestRunner_Run_新規識別子が登録されること(t *testing.T) {
	svc := &stubService{structured: json.RawMessage(`[
		{"name": "Eckels", "visual_desc": "nervous hunter in safari gear", "type": "Character", "video_visual_desc": "nervous hunter", "style_reference": "Eckels"},
		{"name": "Time Machine", "visual_desc": "brass and glass capsule", "type": "Object", "video_visual_desc": "brass capsule", "style_reference": "Time Machine"}
	]`)}
	r, cat := newRunnerForTest(t, svc)

	if err := r.Run(context.Background(), "story text"); err != nil {
		t.Fatal(err)
	}
	if cat.Len() != 2 {
		t.Fatalf("登録数 %d, 期待値 2", cat.Len())
	}
	for _, name := range []string{"Eckels", "Time Machine"} {
		if !cat.HasImage(name) {
			t.Errorf("%s の正画像が保存されていない", name)
		}
	}
}

func TestRunner_Run_既存識別子は再生成されないこと(t *testing.T) {
	svc := &stubService{structured: json.RawMessage(`[
		{"name": "Eckels", "visual_desc": "desc", "type": "Character", "video_visual_desc": "d", "style_reference": "Eckels"}
	]`)}
	r, cat := newRunnerForTest(t, svc)

	if err := cat.Register(domain.Reference{Name: "Eckels", Type: domain.TypeCharacter, VisualDesc: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := cat.ReplaceImage("Eckels", []byte("existing")); err != nil {
		t.Fatal(err)
	}

	if err := r.Run(context.Background(), "story"); err != nil {
		t.Fatal(err)
	}
	if len(svc.imageCalls) != 0 {
		t.Errorf("既存識別子の画像が再生成された: %d 回", len(svc.imageCalls))
	}
	data, _ := cat.ImageFor("Eckels")
	if string(data) != "existing" {
		t.Error("既存画像が上書きされた")
	}
	// 既存名は発見プロンプトの除外リストに載ること
	if !strings.Contains(svc.lastPrompt, "Eckels") {
		t.Error("除外リストに既存名が含まれない")
	}
}

func TestRunner_Run_個別失敗が他を巻き込まないこと(t *testing.T) {
	svc := &stubService{
		structured: json.RawMessage(`[
			{"name": "Travis", "visual_desc": "safari guide with rifle", "type": "Character", "video_visual_desc": "guide", "style_reference": "Travis"},
			{"name": "Jungle Path", "visual_desc": "levitating metal walkway", "type": "Location", "video_visual_desc": "walkway", "style_reference": "Jungle Path"}
		]`),
		imageErr: map[string]error{"Travis": context.DeadlineExceeded},
	}
	r, cat := newRunnerForTest(t, svc)

	if err := r.Run(context.Background(), "story"); err != nil {
		t.Fatalf("個別失敗が全体エラーになった: %v", err)
	}
	if !cat.HasImage("Jungle Path") {
		t.Error("無関係な識別子まで失敗扱いになった")
	}
	// 失敗した識別子も説明JSONは登録済みであること
	if _, ok := cat.Lookup("Travis"); !ok {
		t.Error("失敗識別子の説明が未登録")
	}
}

func TestRunner_GenerateImage_様式手本が前置されること(t *testing.T) {
	svc := &stubService{}
	r, cat := newRunnerForTest(t, svc)

	if err := cat.Register(domain.Reference{Name: "Office Entrance", Type: domain.TypeRoom, VisualDesc: "chrome doorway"}); err != nil {
		t.Fatal(err)
	}
	if err := cat.ReplaceImage("Office Entrance", []byte("entrance-png")); err != nil {
		t.Fatal(err)
	}
	ref := domain.Reference{
		Name: "Office Interior", Type: domain.TypeRoom,
		VisualDesc: "chrome walls", StyleReference: "Office Entrance",
	}
	if err := cat.Register(ref); err != nil {
		t.Fatal(err)
	}

	if err := r.GenerateImage(context.Background(), ref); err != nil {
		t.Fatal(err)
	}
	if len(svc.imageCalls) != 1 {
		t.Fatalf("画像呼び出し %d 回, 期待値 1", len(svc.imageCalls))
	}
	call := svc.imageCalls[0]
	if len(call.Parts) != 2 {
		t.Fatalf("様式手本が前置されていない: parts=%d", len(call.Parts))
	}
	if !strings.Contains(call.Parts[0].Text, "Office Entrance") {
		t.Errorf("手本ラベルが不正: %q", call.Parts[0].Text)
	}
	if string(call.Parts[1].Image) != "entrance-png" {
		t.Error("手本画像の中身が不正")
	}
}
