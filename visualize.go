package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
)

// ===========================================================================
// SELECTION VISUALIZATION
// ===========================================================================
//
// Two renderings of what the model is looking at:
//
//  1. A PNG overlay: the line drawing upscaled, with the selected patch
//     cells tinted, so you can see which regions survive selection.
//  2. An ASCII importance map for the terminal: one character per patch,
//     darker glyph = higher score.
//
// Both read only the diagnostic accessors (raw scores and top-k indices);
// rendering never touches model state.
//
// ===========================================================================

// RenderSelectionOverlay draws the line drawing with the given patch
// indices highlighted and writes a PNG. The drawing must be (1, H, W)
// (one image, not a batch) and indices refer to the row-major patch grid.
func RenderSelectionOverlay(lineDrawing *Tensor, indices []int, patchSize int, outPath string) error {
	shape := lineDrawing.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return shapeErrorf("line drawing rank", "(1, H, W)", shape)
	}
	h, w := shape[1], shape[2]
	grid := w / patchSize

	const upscale = 4
	img := image.NewRGBA(image.Rect(0, 0, w*upscale, h*upscale))

	// Base layer: the drawing itself, inverted so lines are dark on white.
	base := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := clamp01(lineDrawing.At(0, y, x))
			base.SetGray(x, y, color.Gray{Y: uint8(255 - v*255)})
		}
	}
	xdraw.NearestNeighbor.Scale(img, img.Bounds(), base, base.Bounds(), xdraw.Src, nil)

	// Tint selected cells green, leaving the drawing visible underneath.
	for _, idx := range indices {
		gy, gx := idx/grid, idx%grid
		x0 := gx * patchSize * upscale
		y0 := gy * patchSize * upscale
		for y := y0; y < y0+patchSize*upscale; y++ {
			for x := x0; x < x0+patchSize*upscale; x++ {
				c := img.RGBAAt(x, y)
				c.R = c.R / 2
				c.B = c.B / 2
				img.SetRGBA(x, y, c)
			}
		}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "create %s", outPath)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return errors.Wrapf(err, "encode %s", outPath)
	}
	return nil
}

// RenderImportancePNG writes a per-patch heat map as a grayscale PNG,
// one fixed-size pixel block per patch. importance must be (1, G, G).
func RenderImportancePNG(importance *Tensor, outPath string) error {
	shape := importance.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return shapeErrorf("importance map rank", "(1, G, G)", shape)
	}
	gh, gw := shape[1], shape[2]

	const cell = 16
	img := image.NewGray(image.Rect(0, 0, gw*cell, gh*cell))
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			v := clamp01(importance.At(0, gy, gx))
			g := color.Gray{Y: uint8(v * 255)}
			for y := gy * cell; y < (gy+1)*cell; y++ {
				for x := gx * cell; x < (gx+1)*cell; x++ {
					img.SetGray(x, y, g)
				}
			}
		}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "create %s", outPath)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return errors.Wrapf(err, "encode %s", outPath)
	}
	return nil
}

// ASCIIImportanceMap renders a (1, G, G) importance map as text, one
// glyph per patch, with selected patches bracketed.
func ASCIIImportanceMap(importance *Tensor, selected []int) string {
	shape := importance.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return ""
	}
	gh, gw := shape[1], shape[2]

	sel := make(map[int]bool, len(selected))
	for _, idx := range selected {
		sel[idx] = true
	}

	ramp := []rune(" .:-=+*#%@")

	var sb strings.Builder
	fmt.Fprintf(&sb, "patch importance (%dx%d grid, [ ] = selected):\n", gh, gw)
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			v := clamp01(importance.At(0, gy, gx))
			glyph := ramp[int(v*float64(len(ramp)-1))]
			if sel[gy*gw+gx] {
				fmt.Fprintf(&sb, "[%c]", glyph)
			} else {
				fmt.Fprintf(&sb, " %c ", glyph)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
