package grid

import (
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/asset"
	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/config"
)

// GridDims はパネル数からグリッドの列数・行数を決めます。
// 9=3x3, 6=3x2, 4=2x2、それ以外は3列で行数を切り上げます。
func GridDims(panels int) (cols, rows int) {
	switch panels {
	case 9:
		return 3, 3
	case 6:
		return 3, 2
	case 4:
		return 2, 2
	default:
		return 3, (panels + 2) / 3
	}
}

// Crop は切り出された1パネル分の画像です。
type Crop struct {
	Addr asset.PanelAddress
	Img  image.Image
}

// subImager は標準の画像型が持つ部分画像の切り出し口なのだ。
type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// CropGrid は統合グリッド画像をパネル単位に切り出します。
// デュアルグリッドでは垂直中央で上下に分割し、上半分を start、
// 下半分を end として同じ走査順（左上から行優先）で番号を振ります。
// 切り出し位置は整数除算で決まるため、端数ピクセルは右端・下端に残ります。
func CropGrid(img image.Image, sceneID int, cfg config.Config) ([]Crop, error) {
	si, ok := img.(subImager)
	if !ok {
		return nil, fmt.Errorf("画像型 %T は部分切り出しに対応していません", img)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	cols, rows := GridDims(cfg.Format.PanelsPerScene)

	var crops []Crop
	appendHalf := func(role asset.FrameRole, top, halfH int) {
		pw, ph := w/cols, halfH/rows
		idx := 1
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				// 非矩形なパネル数ではグリッド末尾に空セルが出る。
				// 余りセルを切り出すと後段が実在しないパネルを拾ってしまう。
				if idx > cfg.Format.PanelsPerScene {
					return
				}
				rect := image.Rect(
					bounds.Min.X+c*pw,
					bounds.Min.Y+top+r*ph,
					bounds.Min.X+(c+1)*pw,
					bounds.Min.Y+top+(r+1)*ph,
				)
				crops = append(crops, Crop{
					Addr: asset.PanelAddress{SceneID: sceneID, PanelIndex: idx, Role: role},
					Img:  si.SubImage(rect),
				})
				idx++
			}
		}
	}

	if cfg.IsDualGrid() {
		half := h / 2
		appendHalf(asset.FrameStart, 0, half)
		appendHalf(asset.FrameEnd, half, half)
	} else {
		appendHalf(asset.FrameStatic, 0, h)
	}
	return crops, nil
}

// EncodePNG は切り出し画像をPNGとして書き出すのだ。
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}
