package cli

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/dmorgan81/kontext/internal/generate"
	"github.com/dmorgan81/kontext/internal/resolution"
	"github.com/dmorgan81/kontext/internal/ui"
	"github.com/samber/do"
	"github.com/schollz/progressbar/v3"
)

type LocalCMD struct {
	Image  string `arg:"" type:"existingfile" help:"Input image"`
	Prompt string `arg:"" help:"Edit instruction"`

	Ratio  string `default:"original" help:"Target aspect ratio, W:H or original"`
	Output string `short:"o" default:"output.png" type:"path" help:"Where the edited image is written"`
}

func (l *LocalCMD) Run(c *Context) error {
	return l.run(c.Context(), do.MustInvoke[*generate.Generator](c.injector), os.Stdout)
}

var percentPattern = regexp.MustCompile(`\((\d+)%\)`)

func (l *LocalCMD) run(ctx context.Context, flow ui.Flow, out io.Writer) error {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionClearOnFinish(),
	)
	var last generate.Update
	for u := range flow.Generate(ctx, generate.Request{
		Env:       generate.EnvLocal,
		ImagePath: l.Image,
		Prompt:    l.Prompt,
		Ratio:     l.Ratio,
	}) {
		bar.Describe(u.Status)
		if m := percentPattern.FindStringSubmatch(u.Status); m != nil {
			p, _ := strconv.Atoi(m[1])
			_ = bar.Set(p)
		}
		last = u
	}
	_ = bar.Finish()
	fmt.Fprintln(out, last.Status)
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.Contains(last.Status, "complete") || last.Image == nil {
		return errors.New(strings.TrimPrefix(last.Status, "Status: "))
	}

	if err := os.MkdirAll(filepath.Dir(l.Output), 0o755); err != nil {
		return err
	}
	f, err := os.Create(l.Output)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := codec.Encode(f, last.Image, formatFor(l.Output)); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %s\n", l.Output)
	return nil
}

func formatFor(path string) codec.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return codec.JPEG
	default:
		return codec.PNG
	}
}

type UICMD struct {
	Addr string `env:"UI_ADDR" default:":7860" help:"Address to listen on"`
}

func (u *UICMD) Run(c *Context) error {
	return do.MustInvoke[*ui.Server](c.injector).ListenAndServe(c.Context(), u.Addr)
}

type RatioCMD struct {
	Image string `arg:"" type:"existingfile" help:"Input image"`
	Ratio string `arg:"" optional:"" default:"original" help:"W:H or original"`
}

func (r *RatioCMD) Run(*Context) error {
	return r.print(os.Stdout)
}

func (r *RatioCMD) print(out io.Writer) error {
	f, err := os.Open(r.Image)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return err
	}
	res, err := resolution.ForRatio(r.Ratio, image.Pt(cfg.Width, cfg.Height))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%dx%d %s -> %s\n", cfg.Width, cfg.Height, r.Ratio, res)
	return nil
}
