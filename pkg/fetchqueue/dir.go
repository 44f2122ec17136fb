package fetchqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSink persists requests under a directory:
//
//	<root>/<request_id>/request.json
type DirSink struct {
	root string
}

var _ Sink = (*DirSink)(nil)

func NewDirSink(root string) *DirSink {
	return &DirSink{root: strings.TrimSpace(root)}
}

func (s *DirSink) RootDir() string {
	return s.root
}

func (s *DirSink) RequestDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *DirSink) RequestPath(id string) string {
	return filepath.Join(s.RequestDir(id), "request.json")
}

func (s *DirSink) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("fetch queue root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Put writes the request atomically (temp file + rename).
func (s *DirSink) Put(_ context.Context, req *Request) error {
	if req == nil {
		return fmt.Errorf("fetch request is nil")
	}
	id := strings.TrimSpace(req.RequestID)
	if id == "" {
		return fmt.Errorf("request_id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid request_id %q", id)
	}
	if err := s.ensureRoot(); err != nil {
		return &SinkError{Op: "Put", Sink: "dir", Key: s.root, Err: err}
	}

	dir := s.RequestDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &SinkError{Op: "Put", Sink: "dir", Key: dir, Err: err}
	}

	b, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fetch request: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "request.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp request file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp request file: %w", err)
	}

	if err := os.Rename(tmpName, s.RequestPath(id)); err != nil {
		return fmt.Errorf("rename request file: %w", err)
	}
	return nil
}

// Get loads one request.
func (s *DirSink) Get(id string) (*Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("request_id is required")
	}
	path := s.RequestPath(id)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &SinkError{Op: "Get", Sink: "dir", Key: path, Err: ErrNotFound}
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("request.json is empty")
	}

	var req Request
	if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
		return nil, fmt.Errorf("parse request.json: %w", err)
	}
	return &req, nil
}

// List returns all readable requests, newest first.
func (s *DirSink) List() ([]Request, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fetch queue root: %w", err)
	}

	out := make([]Request, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
