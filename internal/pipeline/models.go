package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmorgan81/kontext/internal/log"
)

const (
	TransformerRepo = "mit-han-lab/nunchaku-flux.1-kontext-dev"
	PipelineRepo    = "black-forest-labs/FLUX.1-Kontext-dev"

	DefaultCheckpointDir = "/runpod-volume/checkpoints"
	DefaultPrecision     = "int4"
)

// Models names the weights the runner should load, either hub references or
// local paths.
type Models struct {
	Transformer string `json:"transformer"`
	Pipeline    string `json:"pipeline"`
}

func TransformerFile(precision string) string {
	return fmt.Sprintf("svdq-%s_r32-flux.1-kontext-dev.safetensors", precision)
}

// HubModels are the published weights.
func HubModels(precision string) Models {
	return Models{
		Transformer: TransformerRepo + "/" + TransformerFile(precision),
		Pipeline:    PipelineRepo,
	}
}

// ResolveModels prefers checkpoints pre-downloaded below dir (nunchaku/ and
// flux-kontext/) and falls back to the hub for whatever is missing. The
// pipeline checkpoint is only used together with a local transformer.
func ResolveModels(ctx context.Context, dir, precision string) Models {
	log := log.FromContextOrDiscard(ctx).WithGroup("models").With("dir", dir)
	models := HubModels(precision)

	transformerDir := filepath.Join(dir, "nunchaku")
	if !exists(transformerDir) {
		log.Warn("no local transformer checkpoint, using hub", "path", transformerDir)
		return models
	}
	models.Transformer = filepath.Join(transformerDir, TransformerFile(precision))

	pipelineDir := filepath.Join(dir, "flux-kontext")
	if exists(pipelineDir) {
		models.Pipeline = pipelineDir
	} else {
		log.Warn("no local pipeline checkpoint, using hub", "path", pipelineDir)
	}

	log.Info("resolved models", "transformer", models.Transformer, "pipeline", models.Pipeline)
	return models
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
