package forecast

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/taxi-demand/internal/boost"
)

// Metadata is the human-readable sidecar written next to a saved model.
type Metadata struct {
	TrainedAt  time.Time    `yaml:"trained_at"`
	Spec       TrainSpec    `yaml:"spec"`
	Params     boost.Params `yaml:"params"`
	Cutoff     time.Time    `yaml:"cutoff"`
	Trees      int          `yaml:"trees"`
	Evaluation *Evaluation  `yaml:"evaluation,omitempty"`
}

// MetaPath returns the sidecar path for a model file: model.json becomes
// model.meta.yaml.
func MetaPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".meta.yaml"
}

// Save writes the model as JSON to path and its metadata sidecar next to
// it. eval may be nil.
func Save(path string, m *Model, eval *Evaluation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "forecast: create model dir")
	}

	data, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "forecast: encode model")
	}
	if err := writeAtomic(path, data); err != nil {
		return err
	}

	meta := Metadata{
		TrainedAt:  time.Now().UTC(),
		Spec:       m.Spec,
		Params:     m.Params,
		Cutoff:     m.Cutoff,
		Trees:      len(m.Booster.Trees),
		Evaluation: eval,
	}
	out, err := yaml.Marshal(&meta)
	if err != nil {
		return eris.Wrap(err, "forecast: encode metadata")
	}
	return writeAtomic(MetaPath(path), out)
}

// Load reads a model written by Save. It does no retraining; the loaded
// model scores exactly like the saved one.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "forecast: read model %s", path)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "forecast: decode model %s", path)
	}
	if m.Booster == nil {
		return nil, eris.Errorf("forecast: model %s has no booster", path)
	}
	if len(m.Booster.Names) != len(m.Spec.Features) {
		return nil, eris.Errorf("forecast: model %s lists %d features but booster has %d",
			path, len(m.Spec.Features), len(m.Booster.Names))
	}
	return &m, nil
}

// LoadMetadata reads the sidecar of the model at path.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(MetaPath(path))
	if err != nil {
		return nil, eris.Wrap(err, "forecast: read metadata")
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, eris.Wrap(err, "forecast: decode metadata")
	}
	return &meta, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "forecast: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return eris.Wrapf(err, "forecast: rename %s", tmp)
	}
	return nil
}
