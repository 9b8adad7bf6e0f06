// Package gateway は生成AIサービスへの唯一の出入口です。
// レート制限・再試行・割当枯渇の分類・スキーマ検証をここに集約し、
// 上位のステージはエラー分類だけを意識すれば済むようにしています。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// Part はプロンプトに添付する1要素です。Text と Image は排他です。
type Part struct {
	Text  string
	Image []byte
	MIME  string // Image のときのみ。空なら image/png
}

// StructuredRequest はスキーマ制約付きのJSON生成要求です。
type StructuredRequest struct {
	Model           string
	Class           ServiceClass
	Prompt          string
	Parts           []Part // Prompt の後に続く追加要素（画像コンテキスト等）
	Schema          *genai.Schema
	System          string
	Temperature     *float32
	MaxOutputTokens int32
}

// ImageRequest は画像生成要求です。
type ImageRequest struct {
	Model       string
	Class       ServiceClass
	Prompt      string
	Parts       []Part // 参照画像など
	AspectRatio string
	ImageSize   string // "1K" / "2K" / "4K"
	Temperature *float32
	TopP        *float32
	Seed        *int32
}

// ImageArtifact は生成された画像バイト列です。
type ImageArtifact struct {
	Data     []byte
	MIMEType string
}

// VideoRequest はパネル1枚からの動画クリップ生成要求です。
type VideoRequest struct {
	Model           string
	Prompt          string
	StartImage      []byte
	LastFrame       []byte   // 終端フレーム補間を使うときのみ
	ReferenceImages [][]byte // 外観参照（任意）
	DurationSeconds int32
	AspectRatio     string
	Resolution      string
}

// Service は構造化生成と画像生成の呼び出し面です。
// ステージのテストではこのインターフェースをスタブに差し替えます。
type Service interface {
	GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageArtifact, error)
}

// VideoService は動画クリップ生成の呼び出し面なのだ。
type VideoService interface {
	GenerateVideo(ctx context.Context, req VideoRequest) ([]byte, error)
}

// allowAllSafety は全カテゴリの安全フィルタを無効化します。
// 物語上の緊迫描写（捕食・事故等）が誤検知で落とされるのを防ぐためです。
var allowAllSafety = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
}

// Client は genai SDK の薄いラッパーです。全呼び出しが
// トークンバケット待機 → 実呼び出し → エラー分類 → 再試行 の順を通ります。
type Client struct {
	inner    *genai.Client
	limiters *LimiterSet
	retry    RetryPolicy

	// 動画オペレーションのポーリング間隔。テストで短縮できるようにしてあります。
	pollInterval time.Duration
}

// NewClient は APIキーで gateway クライアントを生成します。
func NewClient(ctx context.Context, apiKey string, limiters *LimiterSet, retry RetryPolicy) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("APIキーが設定されていません")
	}
	inner, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai クライアントの初期化に失敗しました: %w", err)
	}
	return &Client{
		inner:        inner,
		limiters:     limiters,
		retry:        retry,
		pollInterval: 15 * time.Second,
	}, nil
}

// buildContents はプロンプト文字列と添付要素をリクエスト形式に組み立てるのだ。
func buildContents(prompt string, parts []Part) []*genai.Content {
	out := make([]*genai.Part, 0, len(parts)+1)
	if prompt != "" {
		out = append(out, genai.NewPartFromText(prompt))
	}
	for _, p := range parts {
		if p.Image != nil {
			mime := p.MIME
			if mime == "" {
				mime = "image/png"
			}
			out = append(out, genai.NewPartFromBytes(p.Image, mime))
			continue
		}
		if p.Text != "" {
			out = append(out, genai.NewPartFromText(p.Text))
		}
	}
	return []*genai.Content{genai.NewContentFromParts(out, genai.RoleUser)}
}

// GenerateStructured はスキーマ制約付きJSONを生成し、構文検証済みの
// 生バイト列を返します。応答が valid JSON でない場合は恒久エラーです。
// パースの失敗を黙って握り潰すことは許されず、呼び出し側が
// 悲観的フォールバックを取るかどうかを決めます。
func (c *Client) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	class := req.Class
	if class == "" {
		class = ClassGenerate
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   req.Schema,
		SafetySettings:   allowAllSafety,
		Temperature:      req.Temperature,
		MaxOutputTokens:  req.MaxOutputTokens,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	contents := buildContents(req.Prompt, req.Parts)

	var raw json.RawMessage
	err := withRetry(ctx, c.retry, "generate_structured", func() error {
		if err := c.limiters.Wait(ctx, class); err != nil {
			return backoffPermanent(err)
		}
		resp, err := c.inner.Models.GenerateContent(ctx, req.Model, contents, cfg)
		if err != nil {
			return err
		}
		text := resp.Text()
		if !json.Valid([]byte(text)) {
			return backoffPermanent(fmt.Errorf("応答が valid JSON ではありません (model=%s, len=%d)", req.Model, len(text)))
		}
		raw = json.RawMessage(text)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// GenerateImage は画像を1枚生成します。応答に画像パートが無い場合はエラーです。
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageArtifact, error) {
	class := req.Class
	if class == "" {
		class = ClassGenerate
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		SafetySettings:     allowAllSafety,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		Seed:               req.Seed,
	}
	if req.AspectRatio != "" || req.ImageSize != "" {
		cfg.ImageConfig = &genai.ImageConfig{
			AspectRatio: req.AspectRatio,
			ImageSize:   req.ImageSize,
		}
	}
	contents := buildContents(req.Prompt, req.Parts)

	var art *ImageArtifact
	err := withRetry(ctx, c.retry, "generate_image", func() error {
		if err := c.limiters.Wait(ctx, class); err != nil {
			return backoffPermanent(err)
		}
		resp, err := c.inner.Models.GenerateContent(ctx, req.Model, contents, cfg)
		if err != nil {
			return err
		}
		a := extractImage(resp)
		if a == nil {
			// 画像なし応答は過負荷時に出るため一時障害として再試行する
			return fmt.Errorf("応答に画像パートがありません (model=%s): Service Unavailable", req.Model)
		}
		art = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// extractImage は応答から最初の画像パートを取り出すのだ。
func extractImage(resp *genai.GenerateContentResponse) *ImageArtifact {
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &ImageArtifact{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}
			}
		}
	}
	return nil
}

// GenerateVideo はパネル画像からクリップを生成し、動画バイト列を返します。
// オペレーション完了までポーリングします。割当枯渇は ErrQuotaExhausted として
// 返し、呼び出し側はアニメーション全体を停止させる契約です。
func (c *Client) GenerateVideo(ctx context.Context, req VideoRequest) ([]byte, error) {
	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    req.AspectRatio,
		Resolution:     req.Resolution,
	}
	if req.DurationSeconds > 0 {
		cfg.DurationSeconds = genai.Ptr[int32](req.DurationSeconds)
	}
	if req.LastFrame != nil {
		cfg.LastFrame = &genai.Image{ImageBytes: req.LastFrame, MIMEType: "image/png"}
	}

	// 外観参照を使う場合は開始フレームも参照の一部として渡す契約です
	// （参照モードではフレーム入力と併用できないため）。
	var start *genai.Image
	if len(req.ReferenceImages) > 0 {
		for _, img := range req.ReferenceImages {
			cfg.ReferenceImages = append(cfg.ReferenceImages, &genai.VideoGenerationReferenceImage{
				Image:         &genai.Image{ImageBytes: img, MIMEType: "image/png"},
				ReferenceType: "asset",
			})
		}
	} else if req.StartImage != nil {
		start = &genai.Image{ImageBytes: req.StartImage, MIMEType: "image/png"}
	}

	var result []byte
	err := withRetry(ctx, c.retry, "generate_video", func() error {
		op, err := c.inner.Models.GenerateVideos(ctx, req.Model, req.Prompt, start, cfg)
		if err != nil {
			return err
		}
		for !op.Done {
			select {
			case <-ctx.Done():
				return backoffPermanent(ctx.Err())
			case <-time.After(c.pollInterval):
			}
			op, err = c.inner.Operations.GetVideosOperation(ctx, op, nil)
			if err != nil {
				return err
			}
		}
		if op.Response == nil || len(op.Response.GeneratedVideos) == 0 {
			return fmt.Errorf("動画オペレーションが空の結果で完了しました: Service Unavailable")
		}
		video := op.Response.GeneratedVideos[0].Video
		if video == nil {
			return backoffPermanent(fmt.Errorf("動画オペレーションの応答に Video がありません"))
		}
		if len(video.VideoBytes) == 0 {
			if _, err := c.inner.Files.Download(ctx, video, nil); err != nil {
				return fmt.Errorf("動画のダウンロードに失敗しました: %w", err)
			}
		}
		if len(video.VideoBytes) == 0 {
			return backoffPermanent(fmt.Errorf("動画バイト列が空です"))
		}
		result = video.VideoBytes
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("動画クリップを生成しました", "bytes", len(result))
	return result, nil
}
