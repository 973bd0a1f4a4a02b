package page

import (
	"bytes"
	"context"
	_ "embed"
	"html/template"
	"sync"

	"github.com/dmorgan81/kontext/internal/log"
)

//go:embed assets/index.html
var indexTmpl string

type Params struct {
	Title  string
	Envs   []string
	Ratios []string
	// Feed is shown as a gallery link when set.
	Feed string
}

type Templator struct {
	tmpl *template.Template
	once sync.Once
}

func (g *Templator) Template(ctx context.Context, params Params) ([]byte, error) {
	g.once.Do(func() {
		g.tmpl = template.Must(template.New("index").Parse(indexTmpl))
	})

	log := log.FromContextOrDiscard(ctx).WithGroup("templator")
	log.Debug("generating page")

	var data bytes.Buffer
	if err := g.tmpl.Execute(&data, params); err != nil {
		return nil, err
	}
	return data.Bytes(), nil
}
