package hexgrid

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// BoundaryFeature returns the cell outline as a GeoJSON feature carrying props
// plus the cell id under "id".
func (ix *Indexer) BoundaryFeature(c Cell, props map[string]any) (*geojson.Feature, error) {
	poly, ok := ix.BoundaryOf(c)
	if !ok {
		return nil, eris.Errorf("hexgrid: no boundary for cell %d", uint64(c))
	}
	properties := make(map[string]any, len(props)+1)
	for k, v := range props {
		properties[k] = v
	}
	properties["id"] = c.String()
	return &geojson.Feature{
		ID:         c.String(),
		Geometry:   poly,
		Properties: properties,
	}, nil
}
