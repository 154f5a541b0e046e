// Package hexgrid maps coordinates onto H3 hexagonal cells and back.
package hexgrid

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/uber/h3-go/v4"
	"go.uber.org/zap"
)

// Cell is an H3 cell index. The zero Cell is invalid.
type Cell uint64

// String renders the cell as its 15-character hex id.
func (c Cell) String() string {
	return h3.Cell(c).String()
}

// Valid reports whether c is a well-formed H3 cell.
func (c Cell) Valid() bool {
	return c != 0 && h3.Cell(c).IsValid()
}

// Resolution returns the cell's H3 resolution.
func (c Cell) Resolution() int {
	return h3.Cell(c).Resolution()
}

// Parse reads a hex cell id. It returns false for anything that is not a
// valid H3 cell.
func Parse(s string) (Cell, bool) {
	c := Cell(h3.IndexFromString(s))
	if !c.Valid() {
		return 0, false
	}
	return c, true
}

// Indexer binds one H3 resolution for a whole run so every key shares the
// same granularity.
type Indexer struct {
	res int
	log *zap.Logger
}

// NewIndexer returns an Indexer for resolution res (0..15).
func NewIndexer(res int) *Indexer {
	return &Indexer{
		res: res,
		log: zap.L().With(zap.String("component", "hexgrid")),
	}
}

// Resolution returns the bound resolution.
func (ix *Indexer) Resolution() int {
	return ix.res
}

// CellOf returns the cell containing (lat, lon).
func (ix *Indexer) CellOf(lat, lon float64) (Cell, bool) {
	return CellOf(lat, lon, ix.res)
}

// CellOf returns the H3 cell containing (lat, lon) at resolution res. It
// returns false for non-finite or out-of-range coordinates and never panics.
func CellOf(lat, lon float64, res int) (Cell, bool) {
	if !validLatLon(lat, lon) || res < 0 || res > 15 {
		return 0, false
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res)
	if err != nil || !c.IsValid() {
		return 0, false
	}
	return Cell(c), true
}

// CentroidOf returns the cell's center point.
func (ix *Indexer) CentroidOf(c Cell) (lat, lon float64, ok bool) {
	if !c.Valid() {
		ix.log.Warn("centroid of invalid cell", zap.Uint64("cell", uint64(c)))
		return 0, 0, false
	}
	ll, err := h3.CellToLatLng(h3.Cell(c))
	if err != nil {
		ix.log.Warn("centroid failed", zap.String("cell", c.String()), zap.Error(err))
		return 0, 0, false
	}
	return ll.Lat, ll.Lng, true
}

// BoundaryOf returns the cell outline as a closed ring in lon/lat order.
func (ix *Indexer) BoundaryOf(c Cell) (*geom.Polygon, bool) {
	if !c.Valid() {
		ix.log.Warn("boundary of invalid cell", zap.Uint64("cell", uint64(c)))
		return nil, false
	}
	boundary, err := h3.CellToBoundary(h3.Cell(c))
	if err != nil || len(boundary) < 3 {
		ix.log.Warn("boundary failed", zap.String("cell", c.String()), zap.Error(err))
		return nil, false
	}

	ring := make([]geom.Coord, 0, len(boundary)+1)
	for _, ll := range boundary {
		ring = append(ring, geom.Coord{ll.Lng, ll.Lat})
	}
	ring = append(ring, ring[0])

	poly, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{ring})
	if err != nil {
		ix.log.Warn("boundary polygon failed", zap.String("cell", c.String()), zap.Error(err))
		return nil, false
	}
	poly.SetSRID(4326)
	return poly, true
}

func validLatLon(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
