package generate

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/dmorgan81/kontext/internal/pipeline"
	"github.com/dmorgan81/kontext/internal/runpod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	path := filepath.Join(t.TempDir(), "input.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func collect(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var updates []Update
	timeout := time.After(10 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return updates
			}
			updates = append(updates, u)
		case <-timeout:
			t.Fatal("generation never finished")
		}
	}
}

func statuses(updates []Update) []string {
	out := make([]string, len(updates))
	for i, u := range updates {
		out[i] = u.Status
	}
	return out
}

func TestDone(t *testing.T) {
	tests := []struct {
		status string
		done   bool
	}{
		{"Status: Starting...", false},
		{"Status: Job job-1 is in progress...", false},
		{"Status: In progress... (40%)", false},
		{"Status: Generation complete!", true},
		{"Status: Job failed or was cancelled. Details: x", true},
		{"Status: An error occurred: boom", true},
		{"Status: Local inference is not available.", true},
		{"Status: Please upload an image to generate.", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.done, Update{Status: tt.status}.Done(), tt.status)
	}
}

func TestMissingImage(t *testing.T) {
	g := &Generator{}
	updates := collect(t, g.Generate(context.Background(), Request{Env: EnvRunPod}))
	assert.Equal(t, []string{"Status: Please upload an image to generate."}, statuses(updates))
	assert.True(t, updates[0].Done())
}

type fakeEditor struct {
	err error
}

func (e *fakeEditor) Edit(ctx context.Context, params pipeline.Params, fn pipeline.StepFunc) (image.Image, error) {
	if e.err != nil {
		return nil, e.err
	}
	h, w := 2*(params.Height/16), 2*(params.Width/16)
	for i := 0; i < 10; i++ {
		fn(ctx, pipeline.Step{Index: i, Total: 10, Latents: make([]float32, (h/2)*(w/2)*64), Shape: []int{1, (h / 2) * (w / 2), 64}})
	}
	return image.NewRGBA(image.Rect(0, 0, params.Width, params.Height)), nil
}

func TestLocal(t *testing.T) {
	path := writeImage(t, 32, 32)

	t.Run("unavailable", func(t *testing.T) {
		g := &Generator{}
		updates := collect(t, g.Generate(context.Background(), Request{Env: EnvLocal, ImagePath: path, Ratio: "1:1"}))
		assert.Equal(t, []string{"Status: Local inference is not available. Check server logs for details."}, statuses(updates))
	})

	t.Run("success", func(t *testing.T) {
		g := &Generator{Editor: &fakeEditor{}, Every: 5}
		updates := collect(t, g.Generate(context.Background(), Request{Env: EnvLocal, ImagePath: path, Prompt: "p", Ratio: "1:1"}))
		assert.Equal(t, []string{
			"Status: Starting local generation...",
			"Status: In progress... (50%)",
			"Status: In progress... (90%)",
			"Status: In progress... (100%)",
			"Status: Local generation complete!",
		}, statuses(updates))
		assert.Nil(t, updates[0].Image)
		require.NotNil(t, updates[1].Image)
		assert.Equal(t, image.Pt(1024, 1024), updates[1].Image.Bounds().Size())
		assert.Equal(t, image.Pt(1024, 1024), updates[4].Image.Bounds().Size())
	})

	t.Run("failure", func(t *testing.T) {
		g := &Generator{Editor: &fakeEditor{err: errors.New("runner down")}}
		updates := collect(t, g.Generate(context.Background(), Request{Env: EnvLocal, ImagePath: path, Ratio: "1:1"}))
		assert.Equal(t, "Status: An error occurred during local generation: runner down", updates[len(updates)-1].Status)
	})
}

type fakeEndpoint struct {
	mu       sync.Mutex
	statuses []string
	input    string
}

func (e *fakeEndpoint) serve(t *testing.T) *runpod.Client {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		switch r.URL.Path {
		case "/ep/run":
			body, _ := io.ReadAll(r.Body)
			e.input = string(body)
			_, _ = io.WriteString(w, `{"id":"job-7","status":"IN_QUEUE"}`)
		case "/ep/status/job-7":
			_, _ = io.WriteString(w, e.statuses[0])
			if len(e.statuses) > 1 {
				e.statuses = e.statuses[1:]
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return &runpod.Client{HTTP: srv.Client(), BaseURL: srv.URL, APIKey: "key", QueuedInterval: time.Millisecond, RunningInterval: time.Millisecond}
}

func b64(t *testing.T, w, h int, f codec.Format) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	s, err := codec.EncodeBase64(img, f)
	require.NoError(t, err)
	return s
}

func TestRunPod(t *testing.T) {
	path := writeImage(t, 40, 30)
	preview := b64(t, 8, 6, codec.JPEG)
	result := b64(t, 1184, 880, codec.PNG)

	e := &fakeEndpoint{statuses: []string{
		`{"id":"job-7","status":"IN_QUEUE"}`,
		`{"id":"job-7","status":"IN_PROGRESS","output":{"progress":17,"status":"processing","preview_image":"` + preview + `"}}`,
		`{"id":"job-7","status":"IN_PROGRESS","output":{"progress":17,"status":"processing"}}`,
		`{"id":"job-7","status":"IN_PROGRESS","output":{"progress":35,"status":"processing"}}`,
		`{"id":"job-7","status":"COMPLETED","output":{"image":"` + result + `","format":"base64","status":"completed","progress":100}}`,
	}}
	g := &Generator{RunPod: e.serve(t), EndpointID: "ep"}

	updates := collect(t, g.Generate(context.Background(), Request{Env: EnvRunPod, ImagePath: path, Prompt: "p", Ratio: "Original"}))
	assert.Equal(t, []string{
		"Status: Starting...",
		"Status: Job submitted. Waiting for processing...",
		"Status: Job job-7 is in progress...",
		"Status: In progress... (17%)",
		"Status: In progress... (35%)",
		"Status: Generation complete!",
	}, statuses(updates))

	require.NotNil(t, updates[3].Image)
	assert.Equal(t, image.Pt(1184, 880), updates[3].Image.Bounds().Size())
	assert.Same(t, updates[3].Image, updates[4].Image)
	assert.Equal(t, image.Pt(1184, 880), updates[5].Image.Bounds().Size())

	assert.Contains(t, e.input, `"ratio":"original"`)
	assert.Contains(t, e.input, `"image":"data:image/png;base64,`)
}

func TestRunPodFailures(t *testing.T) {
	path := writeImage(t, 16, 16)

	tests := map[string]struct {
		status string
		want   string
	}{
		"failed": {
			status: `{"id":"job-7","status":"FAILED","error":"CUDA out of memory"}`,
			want:   "Status: Job failed or was cancelled. Details: CUDA out of memory",
		},
		"cancelled": {
			status: `{"id":"job-7","status":"CANCELLED"}`,
			want:   "Status: Job failed or was cancelled. Details: Job status was CANCELLED",
		},
		"no image": {
			status: `{"id":"job-7","status":"COMPLETED","output":{"error":"bad"}}`,
			want:   `Status: Job completed but no image in output. Output: {"error":"bad"}...`,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := &fakeEndpoint{statuses: []string{tt.status}}
			g := &Generator{RunPod: e.serve(t), EndpointID: "ep"}
			updates := collect(t, g.Generate(context.Background(), Request{Env: EnvRunPod, ImagePath: path, Ratio: "1:1"}))
			last := updates[len(updates)-1]
			assert.Equal(t, tt.want, last.Status)
			assert.True(t, last.Done())
		})
	}

	g := &Generator{RunPod: &runpod.Client{}, EndpointID: "ep"}
	updates := collect(t, g.Generate(context.Background(), Request{Env: EnvRunPod, ImagePath: path, Ratio: "1:1"}))
	assert.Equal(t, "Status: An error occurred: "+runpod.ErrMissingAuth.Error(), updates[len(updates)-1].Status)
}

func TestRatiosParse(t *testing.T) {
	path := writeImage(t, 10, 10)
	for _, r := range Ratios {
		_, err := displaySize(path, r)
		assert.NoError(t, err, r)
	}
}
