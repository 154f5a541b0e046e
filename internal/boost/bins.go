package boost

import (
	"math"
	"sort"
)

// binMapper discretizes one feature. Numeric features use upper bounds, the
// last being MaxFloat64. Categorical features map each integer code to a
// bin. NaN and unseen categories land in the missing bin, index numBins.
type binMapper struct {
	categorical bool
	bounds      []float64
	categories  []int
	catIndex    map[int]int
}

func (m *binMapper) numBins() int {
	if m.categorical {
		return len(m.categories)
	}
	return len(m.bounds)
}

func (m *binMapper) missingBin() int {
	return m.numBins()
}

func (m *binMapper) binOf(v float64) int {
	if math.IsNaN(v) {
		return m.missingBin()
	}
	if m.categorical {
		if v < 0 {
			return m.missingBin()
		}
		if b, ok := m.catIndex[int(v)]; ok {
			return b
		}
		return m.missingBin()
	}
	b := sort.SearchFloat64s(m.bounds, v)
	if b >= len(m.bounds) {
		b = len(m.bounds) - 1
	}
	return b
}

func newNumericMapper(values []float64, maxBins int) *binMapper {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	m := &binMapper{}
	if len(sorted) == 0 {
		m.bounds = []float64{math.MaxFloat64}
		return m
	}

	distinct := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			distinct = append(distinct, v)
		}
	}

	if len(distinct) <= maxBins {
		for i := 0; i+1 < len(distinct); i++ {
			m.bounds = append(m.bounds, midpoint(distinct[i], distinct[i+1]))
		}
		m.bounds = append(m.bounds, math.MaxFloat64)
		return m
	}

	n := len(sorted)
	for j := 1; j < maxBins; j++ {
		idx := j * n / maxBins
		if idx <= 0 || idx >= n || sorted[idx-1] == sorted[idx] {
			continue
		}
		b := midpoint(sorted[idx-1], sorted[idx])
		if len(m.bounds) == 0 || b > m.bounds[len(m.bounds)-1] {
			m.bounds = append(m.bounds, b)
		}
	}
	m.bounds = append(m.bounds, math.MaxFloat64)
	return m
}

func newCategoricalMapper(values []float64) *binMapper {
	set := make(map[int]struct{})
	for _, v := range values {
		if math.IsNaN(v) || v < 0 {
			continue
		}
		set[int(v)] = struct{}{}
	}
	m := &binMapper{categorical: true, catIndex: make(map[int]int, len(set))}
	for c := range set {
		m.categories = append(m.categories, c)
	}
	sort.Ints(m.categories)
	for i, c := range m.categories {
		m.catIndex[c] = i
	}
	return m
}

func midpoint(a, b float64) float64 {
	mid := a + (b-a)/2
	if mid >= b {
		return a
	}
	return mid
}
