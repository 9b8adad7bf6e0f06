// Package config はパイプラインの出力形式設定を扱います。
// ここでの設定は「何を作るか」（グリッド形式・フレーム種別・アニメーション有無）であり、
// 実行環境の設定（APIキー・モデル名）は internal/config が担います。
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// 受理されるグリッド形式。
const (
	TypeSingleGrid          = "single_grid"
	TypeSingleGridAnimation = "single_grid_animation"
	TypeDualGridAnimation   = "dual_grid_animation"
)

// Format はグリッドの基本形式です。
type Format struct {
	Type             string  `json:"type"`
	PanelsPerScene   int     `json:"panels_per_scene"`
	FramesPerPanel   int     `json:"frames_per_panel"`
	PanelDurationSec float64 `json:"panel_duration_s"`
}

// ImageGeneration は画像生成の出力パラメータです。
type ImageGeneration struct {
	AspectRatio string `json:"aspect_ratio"`
	Resolution  string `json:"resolution"`
	ImageSize   string `json:"image_size"`
}

// Animation はクリップ生成の設定です。
type Animation struct {
	Enabled      bool   `json:"enabled"`
	KeyframeType string `json:"keyframe_type"`
}

// Slicing はグリッド切り出しの設定です。FrameTypes は切り出すフレーム役割の一覧で、
// dual_grid では [start, end]、single_grid では [static] が通常です。
type Slicing struct {
	Enabled    bool     `json:"enabled"`
	FrameTypes []string `json:"frame_types"`
}

// Toggle は有効・無効だけを持つ設定項目なのだ。
type Toggle struct {
	Enabled bool `json:"enabled"`
}

// ReferenceCharacters は視覚的識別子の運用設定です。
type ReferenceCharacters struct {
	Enabled        bool   `json:"enabled"`
	AutoCast       bool   `json:"auto_cast"`
	RefAspectRatio string `json:"ref_aspect_ratio"`
}

// Config はパイプライン全体の出力形式設定です。
type Config struct {
	Format              Format              `json:"format"`
	ImageGeneration     ImageGeneration     `json:"image_generation"`
	Animation           Animation           `json:"animation"`
	Slicing             Slicing             `json:"slicing"`
	Dialogue            Toggle              `json:"dialogue"`
	Captions            Toggle              `json:"captions"`
	ReferenceCharacters ReferenceCharacters `json:"reference_characters"`
}

// Default はデュアルグリッド・アニメーション形式の既定値を返します。
func Default() Config {
	return Config{
		Format: Format{
			Type:             TypeDualGridAnimation,
			PanelsPerScene:   9,
			FramesPerPanel:   2,
			PanelDurationSec: 4.0,
		},
		ImageGeneration: ImageGeneration{
			AspectRatio: "5:4",
			Resolution:  "4K",
			ImageSize:   "4K",
		},
		Animation: Animation{
			Enabled:      true,
			KeyframeType: "start_end",
		},
		Slicing: Slicing{
			Enabled:    true,
			FrameTypes: []string{"start", "end"},
		},
		Dialogue: Toggle{Enabled: true},
		Captions: Toggle{Enabled: false},
		ReferenceCharacters: ReferenceCharacters{
			Enabled:        true,
			AutoCast:       true,
			RefAspectRatio: "1:1",
		},
	}
}

// Load は設定ファイルを読み込み、検証して返します。
// ファイルが存在しない場合は既定値を返します（エラーではありません）。
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗しました (%s): %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("設定ファイルのパースに失敗しました (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は形式設定の整合性を検査します。
func (c Config) Validate() error {
	switch c.Format.Type {
	case TypeSingleGrid, TypeSingleGridAnimation, TypeDualGridAnimation:
	default:
		return fmt.Errorf("未知のグリッド形式です: %q", c.Format.Type)
	}
	if c.Format.PanelsPerScene <= 0 {
		return fmt.Errorf("panels_per_scene は正の整数でなければなりません: %d", c.Format.PanelsPerScene)
	}
	if c.Format.PanelDurationSec <= 0 {
		return fmt.Errorf("panel_duration_s は正の値でなければなりません: %g", c.Format.PanelDurationSec)
	}
	for _, ft := range c.Slicing.FrameTypes {
		switch ft {
		case "start", "end", "static":
		default:
			return fmt.Errorf("未知のフレーム役割です: %q", ft)
		}
	}
	return nil
}

// IsDualGrid はデュアルグリッド形式（上=開始、下=終了）かどうかを返すのだ。
func (c Config) IsDualGrid() bool {
	return strings.Contains(c.Format.Type, "dual")
}

// IsAnimation はアニメーション前提の形式かどうかを返すのだ。
func (c Config) IsAnimation() bool {
	return strings.Contains(c.Format.Type, "animation")
}
