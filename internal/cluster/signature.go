// Package cluster groups hex cells into hotspot classes by the shape and
// level of their demand series.
package cluster

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/taxi-demand/internal/features"
)

// profileHours is the length of the hour-of-day demand profile.
const profileHours = 24

// Signature describes one cell's demand series. Raw holds the unscaled
// dimensions in the order mean, std, peak, profile[0..23].
type Signature struct {
	Cell  string
	Mean  float64
	Std   float64
	Peak  float64
	Total float64
	Raw   []float64
}

// Signatures computes one signature per cell from the table's target column
// and returns them alongside the z-scored feature matrix used for clustering.
func Signatures(t *features.Table) ([]Signature, [][]float64, error) {
	col, ok := t.Column(features.ColDemand)
	if !ok {
		return nil, nil, eris.Errorf("cluster: table has no %s column", features.ColDemand)
	}
	if err := t.CheckSeries(); err != nil {
		return nil, nil, eris.Wrap(err, "cluster: signatures")
	}

	groups := t.Groups()
	sigs := make([]Signature, 0, len(groups))
	for _, g := range groups {
		sigs = append(sigs, signatureOf(t, col.Values, g[0], g[1]))
	}

	points := make([][]float64, len(sigs))
	for i := range sigs {
		points[i] = append([]float64(nil), sigs[i].Raw...)
	}
	zscore(points)
	return sigs, points, nil
}

func signatureOf(t *features.Table, demand []float64, start, end int) Signature {
	var sum, peak float64
	var n int
	var hourSum [profileHours]float64
	var hourN [profileHours]int
	for i := start; i < end; i++ {
		v := demand[i]
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
		if v > peak {
			peak = v
		}
		h := t.Hours[i].UTC().Hour()
		hourSum[h] += v
		hourN[h]++
	}

	sig := Signature{Cell: t.Cells[start], Peak: peak, Total: sum}
	if n > 0 {
		sig.Mean = sum / float64(n)
		var ss float64
		for i := start; i < end; i++ {
			if v := demand[i]; !math.IsNaN(v) {
				d := v - sig.Mean
				ss += d * d
			}
		}
		sig.Std = math.Sqrt(ss / float64(n))
	}

	sig.Raw = make([]float64, 0, 3+profileHours)
	sig.Raw = append(sig.Raw, sig.Mean, sig.Std, sig.Peak)
	for h := 0; h < profileHours; h++ {
		var m float64
		if hourN[h] > 0 {
			m = hourSum[h] / float64(hourN[h])
		}
		sig.Raw = append(sig.Raw, m)
	}
	return sig
}

// zscore standardizes each dimension in place. Constant dimensions become 0.
func zscore(points [][]float64) {
	if len(points) == 0 {
		return
	}
	dims := len(points[0])
	n := float64(len(points))
	for d := 0; d < dims; d++ {
		var mean float64
		for _, p := range points {
			mean += p[d]
		}
		mean /= n
		var ss float64
		for _, p := range points {
			diff := p[d] - mean
			ss += diff * diff
		}
		std := math.Sqrt(ss / n)
		for _, p := range points {
			if std == 0 {
				p[d] = 0
				continue
			}
			p[d] = (p[d] - mean) / std
		}
	}
}
