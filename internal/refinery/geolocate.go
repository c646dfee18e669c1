package refinery

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/raster"
)

// bilinearGrid geolocates a rectangular grid of image points once, then
// interpolates any other image point within the envelope from the four
// nearest grid corners. Built over a feature set's bounding envelope per
// SPEC_FULL.md §4.3's "dense" strategy.
type bilinearGrid struct {
	minX, minY, maxX, maxY float64
	cellsX, cellsY         int
	corners                [][]raster.WorldPoint // [row][col], (cellsY+1) x (cellsX+1)
}

func newBilinearGrid(sensor raster.SensorModel, elevation raster.ElevationModel, envelope model.BBox, gridSize int) (*bilinearGrid, error) {
	g := &bilinearGrid{
		minX: envelope[0], minY: envelope[1], maxX: envelope[2], maxY: envelope[3],
		cellsX: gridSize, cellsY: gridSize,
	}
	g.corners = make([][]raster.WorldPoint, g.cellsY+1)
	for row := 0; row <= g.cellsY; row++ {
		g.corners[row] = make([]raster.WorldPoint, g.cellsX+1)
		for col := 0; col <= g.cellsX; col++ {
			px := g.minX + (g.maxX-g.minX)*float64(col)/float64(g.cellsX)
			py := g.minY + (g.maxY-g.minY)*float64(row)/float64(g.cellsY)
			wp, err := sensor.ImageToWorld(raster.ImagePoint{X: px, Y: py}, elevation)
			if err != nil {
				return nil, fmt.Errorf("refinery: building geolocation grid: %w", err)
			}
			g.corners[row][col] = wp
		}
	}
	return g, nil
}

// At bilinearly interpolates the world coordinate of an arbitrary image
// point within the grid's envelope.
func (g *bilinearGrid) At(px, py float64) raster.WorldPoint {
	spanX := g.maxX - g.minX
	spanY := g.maxY - g.minY
	if spanX == 0 {
		spanX = 1
	}
	if spanY == 0 {
		spanY = 1
	}
	fx := (px - g.minX) / spanX * float64(g.cellsX)
	fy := (py - g.minY) / spanY * float64(g.cellsY)

	fx = math.Max(0, math.Min(float64(g.cellsX), fx))
	fy = math.Max(0, math.Min(float64(g.cellsY), fy))

	col := int(fx)
	row := int(fy)
	if col >= g.cellsX {
		col = g.cellsX - 1
	}
	if row >= g.cellsY {
		row = g.cellsY - 1
	}
	tx := fx - float64(col)
	ty := fy - float64(row)

	c00 := g.corners[row][col]
	c10 := g.corners[row][col+1]
	c01 := g.corners[row+1][col]
	c11 := g.corners[row+1][col+1]

	lerp := func(a, b, t float64) float64 { return a + (b-a)*t }
	top := raster.WorldPoint{
		Lon: lerp(c00.Lon, c10.Lon, tx),
		Lat: lerp(c00.Lat, c10.Lat, tx),
	}
	bottom := raster.WorldPoint{
		Lon: lerp(c01.Lon, c11.Lon, tx),
		Lat: lerp(c01.Lat, c11.Lat, tx),
	}
	return raster.WorldPoint{
		Lon: lerp(top.Lon, bottom.Lon, ty),
		Lat: lerp(top.Lat, bottom.Lat, ty),
	}
}

// Geolocate chooses the sparse or dense strategy based on feature count
// relative to GridSize^2, builds a world-coordinate polygon ring for each
// feature's image bbox, and attaches centroid + GeoJSON bbox properties.
func (r *Refinery) Geolocate(features []*model.Feature) error {
	if len(features) == 0 {
		return nil
	}
	gridSize := r.GridSize
	if gridSize <= 0 {
		gridSize = DefaultGridSize
	}

	sparse := len(features) < gridSize*gridSize
	var grid *bilinearGrid
	if !sparse {
		envelope := envelopeOf(features)
		var err error
		grid, err = newBilinearGrid(r.SensorModel, r.Elevation, envelope, gridSize)
		if err != nil {
			return err
		}
	}

	for _, f := range features {
		if err := r.geolocateOne(f, sparse, grid); err != nil {
			return err
		}
	}
	return nil
}

func envelopeOf(features []*model.Feature) model.BBox {
	env := features[0].BBox
	for _, f := range features[1:] {
		b := f.BBox
		if b[0] < env[0] {
			env[0] = b[0]
		}
		if b[1] < env[1] {
			env[1] = b[1]
		}
		if b[2] > env[2] {
			env[2] = b[2]
		}
		if b[3] > env[3] {
			env[3] = b[3]
		}
	}
	return env
}

func (r *Refinery) geolocateOne(f *model.Feature, sparse bool, grid *bilinearGrid) error {
	corners := []raster.ImagePoint{
		{X: f.BBox[0], Y: f.BBox[1]},
		{X: f.BBox[2], Y: f.BBox[1]},
		{X: f.BBox[2], Y: f.BBox[3]},
		{X: f.BBox[0], Y: f.BBox[3]},
	}

	var world [4]raster.WorldPoint
	if sparse {
		composite, isComposite := r.SensorModel.(raster.CompositeSensorModel)
		if isComposite {
			center := raster.ImagePoint{X: (f.BBox[0] + f.BBox[2]) / 2, Y: (f.BBox[1] + f.BBox[3]) / 2}
			precise, err := composite.ImageToWorld(center, r.Elevation)
			if err != nil {
				return fmt.Errorf("refinery: geolocating feature center: %w", err)
			}
			approx, err := composite.ApproximateImageToWorld(center, r.Elevation)
			if err != nil {
				return fmt.Errorf("refinery: approximating feature center: %w", err)
			}
			deltaLon := precise.Lon - approx.Lon
			deltaLat := precise.Lat - approx.Lat
			for i, c := range corners {
				a, err := composite.ApproximateImageToWorld(c, r.Elevation)
				if err != nil {
					return fmt.Errorf("refinery: approximating vertex: %w", err)
				}
				world[i] = raster.WorldPoint{Lon: a.Lon + deltaLon, Lat: a.Lat + deltaLat, Elevation: a.Elevation}
			}
		} else {
			for i, c := range corners {
				wp, err := r.SensorModel.ImageToWorld(c, r.Elevation)
				if err != nil {
					return fmt.Errorf("refinery: geolocating vertex: %w", err)
				}
				world[i] = wp
			}
		}
	} else {
		for i, c := range corners {
			world[i] = grid.At(c.X, c.Y)
		}
	}

	ring := orb.Ring{
		{world[0].Lon, world[0].Lat},
		{world[1].Lon, world[1].Lat},
		{world[2].Lon, world[2].Lat},
		{world[3].Lon, world[3].Lat},
		{world[0].Lon, world[0].Lat},
	}
	f.Geometry = orb.Polygon{ring}

	centroidLon, centroidLat := 0.0, 0.0
	for _, w := range world {
		centroidLon += w.Lon
		centroidLat += w.Lat
	}
	if f.Properties == nil {
		f.Properties = map[string]any{}
	}
	f.Properties["centroidLon"] = centroidLon / 4
	f.Properties["centroidLat"] = centroidLat / 4

	bound := ring.Bound()
	f.Properties["bbox"] = []float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
	delete(f.Properties, "bounds_imcoords")

	return nil
}
