package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dmorgan81/kontext/internal/pipeline"
	"github.com/docker/go-units"
	"github.com/samber/do"
	"github.com/schollz/progressbar/v3"
)

type CheckpointsCMD struct {
	Dir       string `env:"CHECKPOINT_DIR" default:"checkpoints" type:"path" help:"Directory the checkpoints are written to"`
	Precision string `env:"PRECISION" default:"int4" enum:"int4,fp4" help:"Quantized transformer to fetch [${enum}]"`
}

func (c *CheckpointsCMD) Run(ctx *Context) error {
	return c.download(ctx.Context(), do.MustInvoke[*pipeline.Hub](ctx.injector), os.Stdout)
}

func (c *CheckpointsCMD) download(ctx context.Context, hub *pipeline.Hub, out io.Writer) error {
	h := *hub
	h.Progress = func(name string, size int64) io.Writer {
		return progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription(fmt.Sprintf("downloading %s", name)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
	}

	sizes, err := h.Checkpoints(ctx, c.Dir, c.Precision)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", filepath.Join(c.Dir, "nunchaku"), units.BytesSize(float64(sizes.Transformer)))
	fmt.Fprintf(out, "%s: %s\n", filepath.Join(c.Dir, "flux-kontext"), units.BytesSize(float64(sizes.Pipeline)))
	fmt.Fprintf(out, "total: %s\n", units.BytesSize(float64(sizes.Total())))
	return nil
}
