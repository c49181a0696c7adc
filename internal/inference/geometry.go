package inference

// BBox is a pixel bounding box. Max edges are exclusive.
type BBox struct {
	XMin int `json:"xmin"`
	YMin int `json:"ymin"`
	XMax int `json:"xmax"`
	YMax int `json:"ymax"`
}

// Clamp limits the box to an image of the given size.
func (b BBox) Clamp(width, height int) BBox {
	return BBox{
		XMin: max(0, min(b.XMin, width)),
		YMin: max(0, min(b.YMin, height)),
		XMax: max(0, min(b.XMax, width)),
		YMax: max(0, min(b.YMax, height)),
	}
}

// IsValid reports whether the box has a positive area.
func (b BBox) IsValid() bool {
	return b.XMax > b.XMin && b.YMax > b.YMin
}

func (b BBox) Width() int  { return b.XMax - b.XMin }
func (b BBox) Height() int { return b.YMax - b.YMin }

// IoU calculates Intersection over Union between two boxes.
func (b BBox) IoU(o BBox) float64 {
	x1 := max(b.XMin, o.XMin)
	y1 := max(b.YMin, o.YMin)
	x2 := min(b.XMax, o.XMax)
	y2 := min(b.YMax, o.YMax)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := float64((x2 - x1) * (y2 - y1))
	union := float64(b.Width()*b.Height()+o.Width()*o.Height()) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// bboxFromCorners converts the model server's [x1, y1, x2, y2] array, which
// may hold fractional pixels, into a BBox by truncation.
func bboxFromCorners(c []float64) (BBox, bool) {
	if len(c) != 4 {
		return BBox{}, false
	}
	return BBox{XMin: int(c[0]), YMin: int(c[1]), XMax: int(c[2]), YMax: int(c[3])}, true
}
