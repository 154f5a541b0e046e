package boost

import (
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

type histBin struct {
	g, h float64
	n    int
}

// histogram holds per-bin gradient sums for each feature; features outside
// the tree's sample have a nil entry.
type histogram [][]histBin

type split struct {
	feature     int
	bin         int
	leftCats    []int
	defaultLeft bool
	gain        float64
	leftG       float64
	leftH       float64
	leftN       int
}

func (s *split) valid() bool {
	return s != nil && s.feature >= 0 && s.gain > 0
}

type leaf struct {
	node  int
	rows  []int32
	depth int
	sumG  float64
	sumH  float64
	hist  histogram
	best  *split
}

// grower builds one tree over binned data.
type grower struct {
	p     *Params
	bins  [][]uint16
	maps  []*binMapper
	feats []int
	grad  []float64
	hess  []float64
}

func (gr *grower) buildHistogram(rows []int32) histogram {
	hist := make(histogram, len(gr.maps))
	work := func(f int) {
		bins := gr.bins[f]
		hb := make([]histBin, gr.maps[f].numBins()+1)
		for _, r := range rows {
			b := &hb[bins[r]]
			b.g += gr.grad[r]
			b.h += gr.hess[r]
			b.n++
		}
		hist[f] = hb
	}

	if len(rows)*len(gr.feats) < 1<<15 || gr.p.NumThreads <= 1 {
		for _, f := range gr.feats {
			work(f)
		}
		return hist
	}

	var g errgroup.Group
	g.SetLimit(gr.p.NumThreads)
	for _, f := range gr.feats {
		g.Go(func() error {
			work(f)
			return nil
		})
	}
	_ = g.Wait()
	return hist
}

func subtract(parent, child histogram) histogram {
	out := make(histogram, len(parent))
	for f, ph := range parent {
		if ph == nil {
			continue
		}
		ch := child[f]
		hb := make([]histBin, len(ph))
		for i := range ph {
			hb[i] = histBin{g: ph[i].g - ch[i].g, h: ph[i].h - ch[i].h, n: ph[i].n - ch[i].n}
		}
		out[f] = hb
	}
	return out
}

func (gr *grower) score(g, h float64) float64 {
	return g * g / (h + gr.p.Lambda + 1e-12)
}

func (gr *grower) findBest(l *leaf) *split {
	if gr.p.MaxDepth > 0 && l.depth >= gr.p.MaxDepth {
		return nil
	}
	if len(l.rows) < 2*gr.p.MinDataInLeaf {
		return nil
	}
	parent := gr.score(l.sumG, l.sumH)
	var best *split
	for _, f := range gr.feats {
		var s *split
		if gr.maps[f].categorical {
			s = gr.bestCategorical(f, l, parent)
		} else {
			s = gr.bestNumeric(f, l, parent)
		}
		if s != nil && (best == nil || s.gain > best.gain) {
			best = s
		}
	}
	return best
}

func (gr *grower) bestNumeric(f int, l *leaf, parent float64) *split {
	hb := l.hist[f]
	nb := gr.maps[f].numBins()
	miss := hb[nb]
	minN := gr.p.MinDataInLeaf
	total := len(l.rows)

	var best *split
	var g, h float64
	var n int
	for b := 0; b < nb; b++ {
		g += hb[b].g
		h += hb[b].h
		n += hb[b].n
		for _, missLeft := range []bool{false, true} {
			lg, lh, ln := g, h, n
			if b == nb-1 && (missLeft || miss.n == 0) {
				// The last bin only separates present values from NaN.
				continue
			}
			if missLeft {
				if miss.n == 0 {
					continue
				}
				lg += miss.g
				lh += miss.h
				ln += miss.n
			}
			rn := total - ln
			if ln < minN || rn < minN {
				continue
			}
			gain := gr.score(lg, lh) + gr.score(l.sumG-lg, l.sumH-lh) - parent
			if best == nil || gain > best.gain {
				best = &split{
					feature: f, bin: b, defaultLeft: missLeft, gain: gain,
					leftG: lg, leftH: lh, leftN: ln,
				}
			}
		}
	}
	return best
}

// bestCategorical orders the present categories by mean gradient and scans
// prefixes of that order. Missing and unseen codes always go right.
func (gr *grower) bestCategorical(f int, l *leaf, parent float64) *split {
	hb := l.hist[f]
	nb := gr.maps[f].numBins()
	minN := gr.p.MinDataInLeaf
	total := len(l.rows)

	present := make([]int, 0, nb)
	for b := 0; b < nb; b++ {
		if hb[b].n > 0 {
			present = append(present, b)
		}
	}
	if len(present) < 2 {
		return nil
	}
	ratio := func(b int) float64 {
		return hb[b].g / (hb[b].h + gr.p.Lambda + 1e-12)
	}
	sort.SliceStable(present, func(i, j int) bool { return ratio(present[i]) < ratio(present[j]) })

	var best *split
	var g, h float64
	var n int
	for i := 0; i < len(present)-1; i++ {
		b := present[i]
		g += hb[b].g
		h += hb[b].h
		n += hb[b].n
		if n < minN || total-n < minN {
			continue
		}
		gain := gr.score(g, h) + gr.score(l.sumG-g, l.sumH-h) - parent
		if best == nil || gain > best.gain {
			cats := make([]int, 0, i+1)
			for _, pb := range present[:i+1] {
				cats = append(cats, gr.maps[f].categories[pb])
			}
			sort.Ints(cats)
			best = &split{
				feature: f, bin: -1, leftCats: cats, gain: gain,
				leftG: g, leftH: h, leftN: n,
			}
		}
	}
	return best
}

func (gr *grower) goesLeft(s *split, r int32) bool {
	m := gr.maps[s.feature]
	b := int(gr.bins[s.feature][r])
	if b == m.missingBin() {
		return s.defaultLeft
	}
	if m.categorical {
		c := m.categories[b]
		j := sort.SearchInts(s.leftCats, c)
		return j < len(s.leftCats) && s.leftCats[j] == c
	}
	return b <= s.bin
}

// grow builds a tree leaf-wise: at every step the leaf with the largest
// positive gain is split, until NumLeaves is reached. Leaf values are
// unscaled Newton steps; the caller applies shrinkage or renewal.
func (gr *grower) grow(rows []int32) (*Tree, []*leaf) {
	var sumG, sumH float64
	for _, r := range rows {
		sumG += gr.grad[r]
		sumH += gr.hess[r]
	}
	tree := &Tree{Nodes: []Node{{Feature: -1, Count: len(rows)}}}
	root := &leaf{node: 0, rows: rows, sumG: sumG, sumH: sumH, hist: gr.buildHistogram(rows)}
	root.best = gr.findBest(root)
	leaves := []*leaf{root}

	for len(leaves) < gr.p.NumLeaves {
		pick := -1
		for i, l := range leaves {
			if l.best.valid() && (pick < 0 || l.best.gain > leaves[pick].best.gain) {
				pick = i
			}
		}
		if pick < 0 {
			break
		}
		l := leaves[pick]
		s := l.best

		var left, right []int32
		for _, r := range l.rows {
			if gr.goesLeft(s, r) {
				left = append(left, r)
			} else {
				right = append(right, r)
			}
		}

		li, ri := len(tree.Nodes), len(tree.Nodes)+1
		n := &tree.Nodes[l.node]
		n.Feature = s.feature
		n.Gain = s.gain
		n.DefaultLeft = s.defaultLeft
		n.Left, n.Right = li, ri
		if gr.maps[s.feature].categorical {
			n.Categorical = true
			n.LeftCategories = s.leftCats
		} else {
			n.Threshold = gr.maps[s.feature].bounds[s.bin]
		}
		tree.Nodes = append(tree.Nodes,
			Node{Feature: -1, Count: len(left)},
			Node{Feature: -1, Count: len(right)},
		)

		lch := &leaf{node: li, rows: left, depth: l.depth + 1, sumG: s.leftG, sumH: s.leftH}
		rch := &leaf{node: ri, rows: right, depth: l.depth + 1, sumG: l.sumG - s.leftG, sumH: l.sumH - s.leftH}
		if len(left) <= len(right) {
			lch.hist = gr.buildHistogram(left)
			rch.hist = subtract(l.hist, lch.hist)
		} else {
			rch.hist = gr.buildHistogram(right)
			lch.hist = subtract(l.hist, rch.hist)
		}
		l.hist = nil
		lch.best = gr.findBest(lch)
		rch.best = gr.findBest(rch)

		leaves[pick] = lch
		leaves = append(leaves, rch)
	}

	for _, l := range leaves {
		tree.Nodes[l.node].Value = -l.sumG / (l.sumH + gr.p.Lambda + 1e-12)
		l.hist = nil
	}
	return tree, leaves
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
