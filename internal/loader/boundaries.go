package loader

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/taxi-demand/internal/model"
)

// BoundaryDataURL is the default source for NYC borough polygons.
const BoundaryDataURL = "https://raw.githubusercontent.com/nycehs/NYC_geography/main/borough.geo.json"

// nameFallbacks are tried when the configured name property is absent.
var nameFallbacks = []string{"BoroName", "boro_name", "name", "NAME", "id"}

// Region is one named area made of one or more polygons in lon/lat order.
type Region struct {
	Name     string
	polygons []*geom.Polygon
	bounds   *geom.Bounds
}

// Boundaries holds every region read from a boundary file.
type Boundaries struct {
	Regions []*Region
}

// LoadBoundaries reads region polygons from a GeoJSON (.geojson, .json) or
// shapefile (.shp). A missing or malformed file logs a warning and returns
// nil; boundaries are optional.
func LoadBoundaries(path, nameProperty string) *Boundaries {
	log := zap.L().With(zap.String("component", "loader"), zap.String("path", path))

	if _, err := os.Stat(path); err != nil {
		log.Warn("boundary file unavailable; continuing without region filter",
			zap.String("source", BoundaryDataURL), zap.Error(err))
		return nil
	}

	var (
		b   *Boundaries
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		b, err = readShapefile(path, nameProperty)
	default:
		b, err = readGeoJSON(path, nameProperty)
	}
	if err != nil {
		log.Warn("boundary file unreadable; continuing without region filter", zap.Error(err))
		return nil
	}
	if len(b.Regions) == 0 {
		log.Warn("boundary file has no polygon features")
		return nil
	}

	log.Info("boundaries loaded", zap.Strings("regions", b.Names()))
	return b
}

// Names lists region names in file order.
func (b *Boundaries) Names() []string {
	if b == nil {
		return nil
	}
	names := make([]string, len(b.Regions))
	for i, r := range b.Regions {
		names[i] = r.Name
	}
	return names
}

// Region finds a region by case-insensitive name. Regions that share a name
// are merged.
func (b *Boundaries) Region(name string) (*Region, bool) {
	if b == nil || name == "" {
		return nil, false
	}
	fold := cases.Fold()
	want := fold.String(strings.TrimSpace(name))
	var merged *Region
	for _, r := range b.Regions {
		if fold.String(r.Name) != want {
			continue
		}
		if merged == nil {
			merged = &Region{Name: r.Name}
		}
		for _, p := range r.polygons {
			merged.add(p)
		}
	}
	return merged, merged != nil
}

// Contains reports whether (lat, lon) falls inside the region. Points inside
// a hole are outside.
func (r *Region) Contains(lat, lon float64) bool {
	if r == nil || r.bounds == nil {
		return false
	}
	pt := geom.Coord{lon, lat}
	if !r.bounds.OverlapsPoint(geom.XY, pt) {
		return false
	}
	for _, p := range r.polygons {
		if polygonContains(p, pt) {
			return true
		}
	}
	return false
}

// FilterRegion keeps trips whose pickup lies inside r and returns how many
// were outside it. Trips without a usable coordinate are passed through
// uncounted so the cell indexer reports them. A nil region keeps everything.
func FilterRegion(trips []model.Trip, r *Region) ([]model.Trip, int) {
	if r == nil {
		return trips, 0
	}
	kept := make([]model.Trip, 0, len(trips))
	for _, t := range trips {
		if !onGlobe(t.PickupLat, t.PickupLon) {
			kept = append(kept, t)
			continue
		}
		if r.Contains(t.PickupLat, t.PickupLon) {
			kept = append(kept, t)
		}
	}
	return kept, len(trips) - len(kept)
}

func onGlobe(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func (r *Region) add(p *geom.Polygon) {
	if p == nil || p.NumLinearRings() == 0 {
		return
	}
	r.polygons = append(r.polygons, p)
	if r.bounds == nil {
		r.bounds = geom.NewBounds(geom.XY)
	}
	r.bounds.Extend(p)
}

func polygonContains(p *geom.Polygon, pt geom.Coord) bool {
	if !xy.IsPointInRing(geom.XY, pt, p.LinearRing(0).FlatCoords()) {
		return false
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		if xy.IsPointInRing(geom.XY, pt, p.LinearRing(i).FlatCoords()) {
			return false
		}
	}
	return true
}

func readGeoJSON(path, nameProperty string) (*Boundaries, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: read %s", path)
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrapf(err, "loader: decode geojson %s", path)
	}

	b := &Boundaries{}
	for i, f := range fc.Features {
		r := &Region{Name: featureName(f.Properties, nameProperty, i)}
		switch g := f.Geometry.(type) {
		case *geom.Polygon:
			r.add(g)
		case *geom.MultiPolygon:
			for j := 0; j < g.NumPolygons(); j++ {
				r.add(g.Polygon(j))
			}
		}
		if len(r.polygons) > 0 {
			b.Regions = append(b.Regions, r)
		}
	}
	return b, nil
}

func featureName(props map[string]any, nameProperty string, idx int) string {
	keys := append([]string{nameProperty}, nameFallbacks...)
	for _, k := range keys {
		if v, ok := props[k]; ok && v != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return fmt.Sprintf("region_%d", idx)
}

func readShapefile(path, nameProperty string) (*Boundaries, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}
	nameIdx := -1
	for _, k := range append([]string{nameProperty}, nameFallbacks...) {
		if idx, ok := fieldIdx[strings.ToLower(k)]; ok {
			nameIdx = idx
			break
		}
	}

	b := &Boundaries{}
	byName := make(map[string]*Region)
	var skipped int
	for reader.Next() {
		n, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}

		name := fmt.Sprintf("region_%d", n)
		if nameIdx >= 0 {
			if v := strings.TrimSpace(strings.TrimRight(reader.Attribute(nameIdx), "\x00")); v != "" {
				name = v
			}
		}
		r, seen := byName[name]
		if !seen {
			r = &Region{Name: name}
			byName[name] = r
			b.Regions = append(b.Regions, r)
		}
		for _, p := range shapePolygons(poly) {
			r.add(p)
		}
	}

	if skipped > 0 {
		zap.L().Debug("loader: skipped non-polygon shapefile records", zap.Int("skipped", skipped))
	}
	return b, nil
}

// shapePolygons groups shapefile rings into polygons. Clockwise rings are
// exteriors; counter-clockwise rings are holes of the preceding exterior.
func shapePolygons(p *shp.Polygon) []*geom.Polygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var polys []*geom.Polygon
	var current *geom.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}

		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)

		if current != nil && xy.IsRingCounterClockwise(geom.XY, flat) {
			if err := current.Push(ring); err != nil {
				zap.L().Debug("loader: skipping malformed hole", zap.Int32("part", i), zap.Error(err))
			}
			continue
		}
		current = geom.NewPolygon(geom.XY)
		if err := current.Push(ring); err != nil {
			zap.L().Debug("loader: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
			current = nil
			continue
		}
		polys = append(polys, current)
	}
	return polys
}
