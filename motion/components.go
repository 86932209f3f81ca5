package motion

import "image"

// Component is one 8-connected region of changed pixels.
type Component struct {
	Bounds image.Rectangle
	Area   int
}

// thresholdDiff writes 255 into mask wherever |a-b| > threshold, 0
// elsewhere. All three images must share the same bounds.
func thresholdDiff(a, b, mask *image.Gray, threshold uint8) {
	for i := range mask.Pix {
		d := int(a.Pix[i]) - int(b.Pix[i])
		if d < 0 {
			d = -d
		}
		if d > int(threshold) {
			mask.Pix[i] = 255
		} else {
			mask.Pix[i] = 0
		}
	}
}

// dilate grows set pixels with a 3x3 structuring element, iterations times.
func dilate(mask *image.Gray, iterations int) *image.Gray {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	src := mask
	for it := 0; it < iterations; it++ {
		dst := image.NewGray(mask.Rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if src.Pix[y*src.Stride+x] == 0 {
					continue
				}
				for dy := -1; dy <= 1; dy++ {
					ny := y + dy
					if ny < 0 || ny >= h {
						continue
					}
					for dx := -1; dx <= 1; dx++ {
						nx := x + dx
						if nx < 0 || nx >= w {
							continue
						}
						dst.Pix[ny*dst.Stride+nx] = 255
					}
				}
			}
		}
		src = dst
	}
	return src
}

// components labels the 8-connected regions of set pixels in mask. Bounds
// are relative to mask.Rect.Min.
func components(mask *image.Gray) []Component {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	seen := make([]bool, w*h)
	stack := make([]int, 0, 256)
	var out []Component

	for start := 0; start < w*h; start++ {
		sx, sy := start%w, start/w
		if seen[start] || mask.Pix[sy*mask.Stride+sx] == 0 {
			continue
		}

		c := Component{Bounds: image.Rect(sx, sy, sx+1, sy+1)}
		seen[start] = true
		stack = append(stack[:0], start)

		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%w, p/w
			c.Area++
			c.Bounds = c.Bounds.Union(image.Rect(px, py, px+1, py+1))

			for dy := -1; dy <= 1; dy++ {
				ny := py + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := px + dx
					if nx < 0 || nx >= w {
						continue
					}
					q := ny*w + nx
					if seen[q] || mask.Pix[ny*mask.Stride+nx] == 0 {
						continue
					}
					seen[q] = true
					stack = append(stack, q)
				}
			}
		}

		c.Bounds = c.Bounds.Add(mask.Rect.Min)
		out = append(out, c)
	}

	return out
}
