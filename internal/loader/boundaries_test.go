package loader

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/taxi-demand/internal/model"
)

// Manhattan is a unit-ish box with a hole in the middle; Brooklyn is a
// two-part multipolygon.
const boroughGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"BoroCode": 1, "BoroName": "Manhattan"},
      "geometry": {
        "type": "Polygon",
        "coordinates": [
          [[-74.02, 40.70], [-73.93, 40.70], [-73.93, 40.88], [-74.02, 40.88], [-74.02, 40.70]],
          [[-73.97, 40.77], [-73.95, 40.77], [-73.95, 40.80], [-73.97, 40.80], [-73.97, 40.77]]
        ]
      }
    },
    {
      "type": "Feature",
      "properties": {"BoroCode": 3, "BoroName": "Brooklyn"},
      "geometry": {
        "type": "MultiPolygon",
        "coordinates": [
          [[[-74.04, 40.57], [-73.86, 40.57], [-73.86, 40.69], [-74.04, 40.69], [-74.04, 40.57]]],
          [[[-73.90, 40.55], [-73.88, 40.55], [-73.88, 40.56], [-73.90, 40.56], [-73.90, 40.55]]]
        ]
      }
    },
    {
      "type": "Feature",
      "properties": {"BoroName": "Nowhere"},
      "geometry": {"type": "Point", "coordinates": [0, 0]}
    }
  ]
}`

func writeGeoJSON(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "borough.geo.json")
	require.NoError(t, os.WriteFile(path, []byte(boroughGeoJSON), 0o644))
	return path
}

func TestLoadBoundaries_GeoJSON(t *testing.T) {
	b := LoadBoundaries(writeGeoJSON(t), "BoroName")
	require.NotNil(t, b)
	assert.Equal(t, []string{"Manhattan", "Brooklyn"}, b.Names())
}

func TestLoadBoundaries_Missing(t *testing.T) {
	b := LoadBoundaries(filepath.Join(t.TempDir(), "absent.geojson"), "BoroName")
	assert.Nil(t, b)

	r, ok := b.Region("Manhattan")
	assert.False(t, ok)
	assert.Nil(t, r)
}

func TestLoadBoundaries_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "FeatureCollection", "features": [`), 0o644))
	assert.Nil(t, LoadBoundaries(path, "BoroName"))
}

func TestLoadBoundaries_NoPolygons(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"name":"x"},"geometry":{"type":"Point","coordinates":[1,2]}}]}`), 0o644))
	assert.Nil(t, LoadBoundaries(path, "BoroName"))
}

func TestBoundaries_RegionCaseInsensitive(t *testing.T) {
	b := LoadBoundaries(writeGeoJSON(t), "BoroName")
	require.NotNil(t, b)

	for _, name := range []string{"Manhattan", "manhattan", "MANHATTAN", "  Manhattan "} {
		r, ok := b.Region(name)
		require.True(t, ok, name)
		assert.Equal(t, "Manhattan", r.Name)
	}
	_, ok := b.Region("Queens")
	assert.False(t, ok)
	_, ok = b.Region("")
	assert.False(t, ok)
}

func TestBoundaries_RegionConcurrent(t *testing.T) {
	b := LoadBoundaries(writeGeoJSON(t), "BoroName")
	require.NotNil(t, b)

	names := []string{"MANHATTAN", "brooklyn", "Manhattan", "BROOKLYN"}
	found := make([]string, 64)
	var wg sync.WaitGroup
	for i := range found {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r, ok := b.Region(names[i%len(names)]); ok {
				found[i] = r.Name
			}
		}(i)
	}
	wg.Wait()

	for i, name := range found {
		if i%2 == 0 {
			assert.Equal(t, "Manhattan", name)
		} else {
			assert.Equal(t, "Brooklyn", name)
		}
	}
}

func TestRegion_Contains(t *testing.T) {
	b := LoadBoundaries(writeGeoJSON(t), "BoroName")
	require.NotNil(t, b)
	manhattan, ok := b.Region("manhattan")
	require.True(t, ok)
	brooklyn, ok := b.Region("brooklyn")
	require.True(t, ok)

	tests := []struct {
		name     string
		region   *Region
		lat, lon float64
		want     bool
	}{
		{"midtown", manhattan, 40.7580, -73.9855, true},
		{"inside hole", manhattan, 40.785, -73.96, false},
		{"brooklyn point in manhattan", manhattan, 40.65, -73.95, false},
		{"brooklyn main part", brooklyn, 40.65, -73.95, true},
		{"brooklyn second part", brooklyn, 40.555, -73.89, true},
		{"lat 999", manhattan, 999, -73.98, false},
		{"nan", manhattan, math.NaN(), math.NaN(), false},
		{"origin", manhattan, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.region.Contains(tt.lat, tt.lon))
		})
	}

	var nilRegion *Region
	assert.False(t, nilRegion.Contains(40.75, -73.98))
}

func TestFilterRegion(t *testing.T) {
	b := LoadBoundaries(writeGeoJSON(t), "BoroName")
	require.NotNil(t, b)
	manhattan, ok := b.Region("Manhattan")
	require.True(t, ok)

	at := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	trips := []model.Trip{
		{PickupAt: at, PickupLat: 40.7580, PickupLon: -73.9855},
		{PickupAt: at, PickupLat: 40.65, PickupLon: -73.95},
		{PickupAt: at, PickupLat: math.NaN(), PickupLon: math.NaN()},
		{PickupAt: at, PickupLat: 40.72, PickupLon: -74.0},
		{PickupAt: at, PickupLat: 999, PickupLon: -73.98},
	}

	// Unusable pickups are left for the cell indexer to reject.
	kept, dropped := FilterRegion(trips, manhattan)
	require.Len(t, kept, 4)
	assert.True(t, math.IsNaN(kept[1].PickupLat))
	assert.Equal(t, 999.0, kept[3].PickupLat)
	assert.Equal(t, 1, dropped)

	all, dropped := FilterRegion(trips, nil)
	assert.Len(t, all, 5)
	assert.Zero(t, dropped)
}

func TestFeatureName_Fallbacks(t *testing.T) {
	assert.Equal(t, "Queens", featureName(map[string]any{"BoroName": "Queens"}, "BoroName", 0))
	assert.Equal(t, "Bronx", featureName(map[string]any{"name": "Bronx"}, "BoroName", 0))
	assert.Equal(t, "4", featureName(map[string]any{"id": 4}, "BoroName", 0))
	assert.Equal(t, "region_2", featureName(nil, "BoroName", 2))
}

func squarePolygon(minX, minY, maxX, maxY float64, hole bool) *shp.Polygon {
	// Exterior clockwise, hole counter-clockwise.
	points := []shp.Point{
		{X: minX, Y: minY}, {X: minX, Y: maxY}, {X: maxX, Y: maxY}, {X: maxX, Y: minY}, {X: minX, Y: minY},
	}
	parts := []int32{0}
	if hole {
		cx, cy := (minX+maxX)/2, (minY+maxY)/2
		dx, dy := (maxX-minX)/10, (maxY-minY)/10
		parts = append(parts, int32(len(points)))
		points = append(points,
			shp.Point{X: cx - dx, Y: cy - dy}, shp.Point{X: cx + dx, Y: cy - dy},
			shp.Point{X: cx + dx, Y: cy + dy}, shp.Point{X: cx - dx, Y: cy + dy},
			shp.Point{X: cx - dx, Y: cy - dy},
		)
	}
	return &shp.Polygon{
		Box:       shp.BBoxFromPoints(points),
		NumParts:  int32(len(parts)),
		NumPoints: int32(len(points)),
		Parts:     parts,
		Points:    points,
	}
}

func TestShapePolygons_GroupsHoles(t *testing.T) {
	polys := shapePolygons(squarePolygon(-74.02, 40.70, -73.93, 40.88, true))
	require.Len(t, polys, 1)
	assert.Equal(t, 2, polys[0].NumLinearRings())

	assert.Nil(t, shapePolygons(nil))
	assert.Nil(t, shapePolygons(&shp.Polygon{}))
}

func TestLoadBoundaries_Shapefile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boroughs.shp")

	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	w.SetFields([]shp.Field{shp.StringField("BoroName", 32)})
	shapes := []struct {
		name string
		poly *shp.Polygon
	}{
		{"Manhattan", squarePolygon(-74.02, 40.70, -73.93, 40.88, true)},
		{"Brooklyn", squarePolygon(-74.04, 40.57, -73.86, 40.69, false)},
	}
	for i, s := range shapes {
		w.Write(s.poly)
		w.WriteAttribute(i, 0, s.name)
	}
	w.Close()

	b := LoadBoundaries(path, "BoroName")
	require.NotNil(t, b)
	assert.Equal(t, []string{"Manhattan", "Brooklyn"}, b.Names())

	manhattan, ok := b.Region("manhattan")
	require.True(t, ok)
	assert.True(t, manhattan.Contains(40.72, -74.0))
	// Center of the hole.
	assert.False(t, manhattan.Contains(40.79, -73.975))
}
