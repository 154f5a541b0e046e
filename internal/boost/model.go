package boost

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/rotisserie/eris"
)

// Model is a trained ensemble. It is immutable and safe for concurrent use.
type Model struct {
	Names         []string `json:"features"`
	Categorical   []bool   `json:"categorical"`
	Objective     string   `json:"objective"`
	InitScore     float64  `json:"init_score"`
	BestIteration int      `json:"best_iteration"`
	Trees         []Tree   `json:"trees"`
}

// Importance is one feature's contribution summed over the ensemble.
type Importance struct {
	Feature string  `json:"feature" yaml:"feature"`
	Gain    float64 `json:"gain" yaml:"gain"`
	Splits  int     `json:"splits" yaml:"splits"`
}

// Predict scores one dense feature vector ordered like Names.
func (m *Model) Predict(x []float64) float64 {
	out := m.InitScore
	for i := range m.Trees {
		out += m.Trees[i].Predict(x)
	}
	return out
}

// PredictDataset scores every row of d.
func (m *Model) PredictDataset(d *Dataset) ([]float64, error) {
	if len(d.Columns) != len(m.Names) {
		return nil, eris.Errorf("boost: dataset has %d features, model expects %d", len(d.Columns), len(m.Names))
	}
	n := 0
	if len(d.Columns) > 0 {
		n = len(d.Columns[0])
	}
	out := make([]float64, n)
	for i := range out {
		v := m.InitScore
		for t := range m.Trees {
			v += m.Trees[t].predictColumns(d.Columns, i)
		}
		out[i] = v
	}
	return out, nil
}

// FeatureImportance returns total split gain and split count per feature,
// highest gain first.
func (m *Model) FeatureImportance() []Importance {
	imp := make([]Importance, len(m.Names))
	for i, name := range m.Names {
		imp[i].Feature = name
	}
	for _, t := range m.Trees {
		for _, n := range t.Nodes {
			if n.IsLeaf() || n.Feature >= len(imp) {
				continue
			}
			imp[n.Feature].Gain += n.Gain
			imp[n.Feature].Splits++
		}
	}
	sort.SliceStable(imp, func(i, j int) bool {
		if imp[i].Gain != imp[j].Gain {
			return imp[i].Gain > imp[j].Gain
		}
		return imp[i].Feature < imp[j].Feature
	})
	return imp
}

// WriteJSON serializes the model.
func (m *Model) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(m); err != nil {
		return eris.Wrap(err, "boost: encode model")
	}
	return nil
}

// ReadJSON deserializes a model written by WriteJSON.
func ReadJSON(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, eris.Wrap(err, "boost: decode model")
	}
	if len(m.Names) != len(m.Categorical) {
		return nil, eris.Errorf("boost: model has %d features but %d categorical flags", len(m.Names), len(m.Categorical))
	}
	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return nil, eris.Errorf("boost: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.IsLeaf() {
				continue
			}
			if n.Feature >= len(m.Names) || n.Left <= ni || n.Right <= ni ||
				n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return nil, eris.Errorf("boost: tree %d node %d is malformed", ti, ni)
			}
		}
	}
	return &m, nil
}
