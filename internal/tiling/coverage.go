package tiling

import "sort"

// CoverageGap describes a rectangular area within a processing area that no
// crop covers.
type CoverageGap struct {
	X, Y, Width, Height int
}

// VerifyCoverage checks Testable Property 6 (tiling coverage): every pixel
// within a width x height area must be covered by at least one crop. It
// works off the grid of unique edges the crops define rather than a
// pixel-by-pixel scan, so a full-size image stays cheap to check.
func VerifyCoverage(width, height int, crops []Crop) []CoverageGap {
	xEdges := edgeSet(width, func(yield func(int)) {
		for _, c := range crops {
			yield(c.UL.X)
			yield(c.UL.X + c.Width)
		}
	})
	yEdges := edgeSet(height, func(yield func(int)) {
		for _, c := range crops {
			yield(c.UL.Y)
			yield(c.UL.Y + c.Height)
		}
	})

	var gaps []CoverageGap
	for yi := 0; yi < len(yEdges)-1; yi++ {
		y0, y1 := yEdges[yi], yEdges[yi+1]
		for xi := 0; xi < len(xEdges)-1; xi++ {
			x0, x1 := xEdges[xi], xEdges[xi+1]
			if !cellCovered(x0, y0, x1, y1, crops) {
				gaps = append(gaps, CoverageGap{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0})
			}
		}
	}
	return gaps
}

func cellCovered(x0, y0, x1, y1 int, crops []Crop) bool {
	for _, c := range crops {
		if c.UL.X <= x0 && c.UL.X+c.Width >= x1 && c.UL.Y <= y0 && c.UL.Y+c.Height >= y1 {
			return true
		}
	}
	return false
}

func edgeSet(bound int, collect func(yield func(int))) []int {
	set := map[int]bool{0: true, bound: true}
	collect(func(v int) {
		if v >= 0 && v <= bound {
			set[v] = true
		}
	})
	edges := make([]int, 0, len(set))
	for v := range set {
		edges = append(edges, v)
	}
	sort.Ints(edges)
	return edges
}
