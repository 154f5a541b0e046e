package cluster

import (
	"math"
	"math/rand/v2"
)

// KMeans partitions points into k groups with k-means++ seeding followed by
// Lloyd iterations. It stops when no assignment changes or after maxIter
// rounds. The same seed always yields the same labels and centroids.
func KMeans(points [][]float64, k, maxIter int, seed uint64) ([]int, [][]float64) {
	n := len(points)
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	centroids := seedPlusPlus(points, k, rng)

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			best := nearest(p, centroids)
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		recenter(points, labels, centroids)
	}
	return labels, centroids
}

func seedPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(points[rng.IntN(n)]))

	dist := make([]float64, n)
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			d := sqDist(p, centroids[nearest(p, centroids)])
			dist[i] = d
			total += d
		}
		if total == 0 {
			// Fewer distinct points than k; reuse the first point not yet chosen.
			centroids = append(centroids, clone(points[len(centroids)%n]))
			continue
		}
		target := rng.Float64() * total
		pick := n - 1
		var acc float64
		for i, d := range dist {
			acc += d
			if acc >= target && d > 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, clone(points[pick]))
	}
	return centroids
}

func recenter(points [][]float64, labels []int, centroids [][]float64) {
	dims := len(points[0])
	counts := make([]int, len(centroids))
	sums := make([][]float64, len(centroids))
	for c := range sums {
		sums[c] = make([]float64, dims)
	}
	for i, p := range points {
		c := labels[i]
		counts[c]++
		for d, v := range p {
			sums[c][d] += v
		}
	}
	for c := range centroids {
		// Empty clusters keep their previous centroid.
		if counts[c] == 0 {
			continue
		}
		for d := range sums[c] {
			centroids[c][d] = sums[c][d] / float64(counts[c])
		}
	}
}

func nearest(p []float64, centroids [][]float64) int {
	best, bestD := 0, math.Inf(1)
	for c, ctr := range centroids {
		if d := sqDist(p, ctr); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func clone(p []float64) []float64 {
	return append([]float64(nil), p...)
}
