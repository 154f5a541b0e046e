package boost

import (
	"math"
	"sort"
)

// Node is one tree node. Leaves have Feature == -1.
//
// Numeric splits send x <= Threshold left. Categorical splits send codes
// listed in LeftCategories left. NaN follows DefaultLeft.
type Node struct {
	Feature        int     `json:"feature"`
	Threshold      float64 `json:"threshold,omitempty"`
	Categorical    bool    `json:"categorical,omitempty"`
	LeftCategories []int   `json:"left_categories,omitempty"`
	DefaultLeft    bool    `json:"default_left,omitempty"`
	Left           int     `json:"left,omitempty"`
	Right          int     `json:"right,omitempty"`
	Gain           float64 `json:"gain,omitempty"`
	Value          float64 `json:"value"`
	Count          int     `json:"count"`
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool {
	return n.Feature < 0
}

// Tree is a binary regression tree stored as a flat node list rooted at 0.
// Leaf values already include the learning rate.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) leaf(value func(f int) float64) int {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.IsLeaf() {
			return i
		}
		if n.goLeft(value(n.Feature)) {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (n *Node) goLeft(v float64) bool {
	if math.IsNaN(v) {
		return n.DefaultLeft
	}
	if n.Categorical {
		if v < 0 {
			return n.DefaultLeft
		}
		c := int(v)
		j := sort.SearchInts(n.LeftCategories, c)
		return j < len(n.LeftCategories) && n.LeftCategories[j] == c
	}
	return v <= n.Threshold
}

// Predict returns the tree output for a dense feature vector.
func (t *Tree) Predict(x []float64) float64 {
	return t.Nodes[t.leaf(func(f int) float64 { return x[f] })].Value
}

func (t *Tree) predictColumns(cols [][]float64, row int) float64 {
	return t.Nodes[t.leaf(func(f int) float64 { return cols[f][row] })].Value
}

// NumLeaves counts the tree's leaves.
func (t *Tree) NumLeaves() int {
	n := 0
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			n++
		}
	}
	return n
}
