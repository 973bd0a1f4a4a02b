package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	*httptest.Server

	mu        sync.Mutex
	files     map[string]string
	downloads []string
}

func newFakeHub(t *testing.T, files map[string]string) *fakeHub {
	hub := &fakeHub{files: files}
	hub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.mu.Lock()
		defer hub.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer hf-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, "Invalid credentials")
			return
		}
		switch {
		case r.URL.Path == "/api/models/"+PipelineRepo+"/tree/main":
			assert.Equal(t, "true", r.URL.Query().Get("recursive"))
			_, _ = io.WriteString(w, `[
				{"type":"directory","path":"vae","size":0},
				{"type":"file","path":"model_index.json","size":4},
				{"type":"file","path":"flux1-kontext-dev.safetensors","size":9},
				{"type":"file","path":"transformer/config.json","size":2},
				{"type":"file","path":"vae/diffusion_pytorch_model.safetensors","size":6}
			]`)
		case strings.Contains(r.URL.Path, "/resolve/main/"):
			hub.downloads = append(hub.downloads, r.URL.Path)
			data, ok := hub.files[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = io.WriteString(w, data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(hub.Close)
	return hub
}

type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closingBuffer) Close() error {
	b.closed = true
	return nil
}

func TestCheckpoints(t *testing.T) {
	transformer := "/" + TransformerRepo + "/resolve/main/" + TransformerFile("int4")
	hub := newFakeHub(t, map[string]string{
		transformer: "weights",
		"/" + PipelineRepo + "/resolve/main/model_index.json":                        "{}\n\n",
		"/" + PipelineRepo + "/resolve/main/vae/diffusion_pytorch_model.safetensors": "vaevae",
	})

	bars := map[string]*closingBuffer{}
	h := &Hub{HTTP: hub.Client(), BaseURL: hub.URL, Token: "hf-token", Progress: func(name string, _ int64) io.Writer {
		bars[name] = &closingBuffer{}
		return bars[name]
	}}
	dir := t.TempDir()

	sizes, err := h.Checkpoints(context.Background(), dir, "int4")
	require.NoError(t, err)
	assert.Equal(t, CheckpointSizes{Transformer: 7, Pipeline: 10}, sizes)
	assert.Equal(t, int64(17), sizes.Total())

	data, err := os.ReadFile(filepath.Join(dir, "nunchaku", TransformerFile("int4")))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
	assert.FileExists(t, filepath.Join(dir, "flux-kontext", "vae", "diffusion_pytorch_model.safetensors"))
	assert.NoFileExists(t, filepath.Join(dir, "flux-kontext", PipelineWeights))
	assert.NoDirExists(t, filepath.Join(dir, "flux-kontext", "transformer"))

	require.Contains(t, bars, "vae/diffusion_pytorch_model.safetensors")
	assert.Equal(t, "vaevae", bars["vae/diffusion_pytorch_model.safetensors"].String())
	assert.True(t, bars["vae/diffusion_pytorch_model.safetensors"].closed)

	assert.Equal(t, ResolveModels(context.Background(), dir, "int4"), Models{
		Transformer: filepath.Join(dir, "nunchaku", TransformerFile("int4")),
		Pipeline:    filepath.Join(dir, "flux-kontext"),
	})
}

func TestCheckpointsSkipsCompleteFiles(t *testing.T) {
	hub := newFakeHub(t, map[string]string{
		"/" + TransformerRepo + "/resolve/main/" + TransformerFile("fp4"): "weights",
		"/" + PipelineRepo + "/resolve/main/model_index.json":             "{}\n\n",
	})
	dir := t.TempDir()
	vae := filepath.Join(dir, "flux-kontext", "vae", "diffusion_pytorch_model.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Dir(vae), 0o755))
	require.NoError(t, os.WriteFile(vae, []byte("cached"), 0o600))

	h := &Hub{HTTP: hub.Client(), BaseURL: hub.URL, Token: "hf-token"}
	_, err := h.Checkpoints(context.Background(), dir, "fp4")
	require.NoError(t, err)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Len(t, hub.downloads, 2)
	assert.NotContains(t, hub.downloads, "/"+PipelineRepo+"/resolve/main/vae/diffusion_pytorch_model.safetensors")
}

func TestCheckpointsErrors(t *testing.T) {
	_, err := (&Hub{}).Checkpoints(context.Background(), t.TempDir(), "int4")
	require.ErrorIs(t, err, ErrMissingToken)

	hub := newFakeHub(t, nil)
	h := &Hub{HTTP: hub.Client(), BaseURL: hub.URL, Token: "wrong"}
	_, err = h.Checkpoints(context.Background(), t.TempDir(), "int4")
	require.ErrorContains(t, err, "401 Unauthorized: Invalid credentials")

	dir := t.TempDir()
	h.Token = "hf-token"
	_, err = h.Checkpoints(context.Background(), dir, "int4")
	require.ErrorContains(t, err, "404 Not Found")
	assert.NoFileExists(t, filepath.Join(dir, "nunchaku", TransformerFile("int4")+".incomplete"))
}
