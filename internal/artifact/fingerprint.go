// Package artifact persists the pipeline's derived tables as SQLite files
// and decides when a cached file can be reused.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Fingerprint hashes the identity of the input files (name, size and
// modification time) together with the settings that shape an artifact.
// Missing inputs hash as missing rather than failing.
func Fingerprint(inputs []string, params any) (string, error) {
	h := sha256.New()
	for _, in := range inputs {
		info, err := os.Stat(in)
		switch {
		case err == nil:
			fmt.Fprintf(h, "%s|%d|%d\n", filepath.Base(in), info.Size(), info.ModTime().UnixNano())
		case os.IsNotExist(err):
			fmt.Fprintf(h, "%s|missing\n", filepath.Base(in))
		default:
			return "", eris.Wrapf(err, "artifact: stat %s", in)
		}
	}
	if params != nil {
		data, err := yaml.Marshal(params)
		if err != nil {
			return "", eris.Wrap(err, "artifact: encode fingerprint params")
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fresh reports whether the artifact at path can be reused. Without verify
// any existing file is reused; with verify its recorded fingerprint must
// equal fp.
func Fresh(ctx context.Context, path, fp string, verify bool) bool {
	log := zap.L().With(zap.String("component", "artifact"), zap.String("path", path))
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if !verify {
		return true
	}
	r, err := Open(path)
	if err != nil {
		log.Warn("artifact: unreadable cache, recomputing", zap.Error(err))
		return false
	}
	defer r.Close() //nolint:errcheck

	got, ok, err := r.Meta(ctx, MetaFingerprint)
	if err != nil || !ok {
		log.Warn("artifact: cache has no fingerprint, recomputing", zap.Error(err))
		return false
	}
	if got != fp {
		log.Info("artifact: stale cache, recomputing",
			zap.String("cached", got),
			zap.String("expected", fp),
		)
		return false
	}
	return true
}
