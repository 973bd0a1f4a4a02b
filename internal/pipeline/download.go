package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmorgan81/kontext/internal/log"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const (
	DefaultHubURL = "https://huggingface.co"

	// PipelineWeights is the full-precision transformer, replaced by the
	// quantized one.
	PipelineWeights = "flux1-kontext-dev.safetensors"
)

var ErrMissingToken = errors.New("HF_TOKEN is not set")

// RepoFile is one entry of a hub repository tree.
type RepoFile struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Hub fetches checkpoints from the Hugging Face hub.
type Hub struct {
	HTTP    *http.Client
	BaseURL string
	Token   string

	// Progress, when set, sees the bytes of every download. size is -1 when
	// unknown. A returned io.Closer is closed once the file is written.
	Progress func(name string, size int64) io.Writer
}

func NewHub(i *do.Injector) (*Hub, error) {
	return &Hub{
		HTTP:    do.MustInvoke[*http.Client](i),
		BaseURL: do.MustInvokeNamed[string](i, "hf_endpoint"),
		Token:   do.MustInvokeNamed[string](i, "hf_token"),
	}, nil
}

// CheckpointSizes is how many bytes each checkpoint directory holds.
type CheckpointSizes struct {
	Transformer int64
	Pipeline    int64
}

func (s CheckpointSizes) Total() int64 {
	return s.Transformer + s.Pipeline
}

// Checkpoints downloads the weights ResolveModels looks for below dir: the
// quantized transformer into nunchaku/ and the rest of the pipeline into
// flux-kontext/. Files already present with the right size are kept.
func (h *Hub) Checkpoints(ctx context.Context, dir, precision string) (CheckpointSizes, error) {
	var sizes CheckpointSizes
	if h.Token == "" {
		return sizes, ErrMissingToken
	}
	logger := log.FromContextOrDiscard(ctx).WithGroup("hub").With("dir", dir)
	ctx = log.NewContext(ctx, logger)

	transformerDir := filepath.Join(dir, "nunchaku")
	file := TransformerFile(precision)
	logger.Info("downloading transformer", "repo", TransformerRepo, "file", file)
	if err := h.Download(ctx, TransformerRepo, file, filepath.Join(transformerDir, file), -1); err != nil {
		return sizes, err
	}

	pipelineDir := filepath.Join(dir, "flux-kontext")
	files, err := h.Files(ctx, PipelineRepo)
	if err != nil {
		return sizes, err
	}
	files = lo.Filter(files, func(f RepoFile, _ int) bool {
		return f.Path != PipelineWeights && !strings.HasPrefix(f.Path, "transformer/")
	})
	logger.Info("downloading pipeline", "repo", PipelineRepo, "files", len(files))
	for _, f := range files {
		if err := h.Download(ctx, PipelineRepo, f.Path, filepath.Join(pipelineDir, filepath.FromSlash(f.Path)), f.Size); err != nil {
			return sizes, err
		}
	}

	if sizes.Transformer, err = dirSize(transformerDir); err != nil {
		return sizes, err
	}
	sizes.Pipeline, err = dirSize(pipelineDir)
	return sizes, err
}

// Files lists every file in the main revision of repo.
func (h *Hub) Files(ctx context.Context, repo string) ([]RepoFile, error) {
	resp, err := h.get(ctx, fmt.Sprintf("%s/api/models/%s/tree/main?recursive=true", h.base(), repo))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tree []RepoFile
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, fmt.Errorf("listing %s: %w", repo, err)
	}
	return lo.Filter(tree, func(f RepoFile, _ int) bool { return f.Type == "file" }), nil
}

// Download writes file from repo to dest. size, when known, skips files
// that are already complete.
func (h *Hub) Download(ctx context.Context, repo, file, dest string, size int64) error {
	log := log.FromContextOrDiscard(ctx).With("file", file)
	if fi, err := os.Stat(dest); err == nil && size >= 0 && fi.Size() == size {
		log.Debug("already downloaded")
		return nil
	}

	resp, err := h.get(ctx, fmt.Sprintf("%s/%s/resolve/main/%s", h.base(), repo, file))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".incomplete"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var w io.Writer = f
	if h.Progress != nil {
		bar := h.Progress(file, lo.Ternary(size >= 0, size, resp.ContentLength))
		if c, ok := bar.(io.Closer); ok {
			defer c.Close()
		}
		w = io.MultiWriter(f, bar)
	}
	n, err := io.Copy(w, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("downloading %s/%s: %w", repo, file, err)
	}
	log.Info("downloaded", "bytes", n)
	return os.Rename(tmp, dest)
}

func (h *Hub) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("hub GET %s: %s: %s", req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	return resp, nil
}

func (h *Hub) base() string {
	return strings.TrimRight(lo.Ternary(h.BaseURL != "", h.BaseURL, DefaultHubURL), "/")
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
