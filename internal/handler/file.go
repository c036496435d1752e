package handler

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaserve/internal/request"
)

// FileConfig parameterizes the file handler.
type FileConfig struct {
	Path        string            `mapstructure:"path"`
	ContentType string            `mapstructure:"contentType"`
	Headers     map[string]string `mapstructure:"headers"`
}

func (c *FileConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// FileType serves a single file. Content is cached in memory and re-read
// only when the file's modification time or size changes. Rules serving
// the same file share one instance, set up during reload.
type FileType struct{}

// Name implements Type.
func (FileType) Name() string { return "file" }

// Shareable implements Shareable.
func (FileType) Shareable() bool { return true }

// Eager implements Eager.
func (FileType) Eager() bool { return true }

// Validate implements ParamValidator.
func (FileType) Validate(params Params) error {
	var cfg FileConfig
	if err := DecodeParams(params, &cfg); err != nil {
		return err
	}
	return cfg.validate()
}

// Setup implements Type. The file must exist.
func (FileType) Setup(_ context.Context, params Params) (Handler, error) {
	var cfg FileConfig
	if err := DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	h := &fileHandler{
		path:        filepath.Clean(cfg.Path),
		contentType: cfg.ContentType,
		headers:     cfg.Headers,
	}
	if h.contentType == "" {
		h.contentType = mime.TypeByExtension(filepath.Ext(h.path))
	}
	if h.contentType == "" {
		h.contentType = "application/octet-stream"
	}

	if _, err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

// fileStamp is the (mtime, size) pair that invalidates cached content.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func (s fileStamp) equal(o fileStamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

type fileHandler struct {
	path        string
	contentType string
	headers     map[string]string

	mu      sync.RWMutex
	stamp   fileStamp
	content []byte
	reads   int
}

// load returns the file content, reading the file only when its stamp
// differs from the cached one.
func (h *fileHandler) load() ([]byte, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", h.path)
	}
	stamp := fileStamp{modTime: info.ModTime(), size: info.Size()}

	h.mu.RLock()
	if h.content != nil && h.stamp.equal(stamp) {
		content := h.content
		h.mu.RUnlock()
		return content, nil
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.content != nil && h.stamp.equal(stamp) {
		return h.content, nil
	}

	content, err := os.ReadFile(h.path)
	if err != nil {
		return nil, err
	}
	h.content = content
	h.stamp = stamp
	h.reads++
	return content, nil
}

// Handle implements Handler.
func (h *fileHandler) Handle(_ *request.Context) (*request.Response, error) {
	content, err := h.load()
	if err != nil {
		if os.IsNotExist(err) {
			return request.NewResponse(http.StatusNotFound, nil), nil
		}
		return nil, err
	}

	h.mu.RLock()
	modTime := h.stamp.modTime
	h.mu.RUnlock()

	resp := request.NewResponse(http.StatusOK, content)
	resp.Header.Set("Content-Type", h.contentType)
	resp.Header.Set("Content-Length", strconv.Itoa(len(content)))
	resp.Header.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	for name, value := range h.headers {
		resp.Header.Set(name, value)
	}
	return resp, nil
}

// Release implements Handler.
func (h *fileHandler) Release() error {
	h.mu.Lock()
	h.content = nil
	h.mu.Unlock()
	return nil
}
