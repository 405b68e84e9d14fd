package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var fasterJson = jsoniter.ConfigCompatibleWithStandardLibrary

const inputsFile = "inputs.json"

// inputRegistry assigns stable input ids to file paths. Ids are never
// reused, so a removed file keeps its id until the index is rebuilt.
type inputRegistry struct {
	path string

	mu    sync.Mutex
	state inputState
	dirty bool
}

type inputState struct {
	Next int32            `json:"next"`
	IDs  map[string]int32 `json:"ids"`
}

func openInputRegistry(dir string) (*inputRegistry, error) {
	r := &inputRegistry{
		path:  filepath.Join(dir, inputsFile),
		state: inputState{Next: 1, IDs: map[string]int32{}},
	}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if err := fasterJson.Unmarshal(data, &r.state); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", r.path, err)
	}
	if r.state.IDs == nil {
		r.state.IDs = map[string]int32{}
	}
	if r.state.Next <= 0 {
		return nil, fmt.Errorf("invalid next id %d in %s", r.state.Next, r.path)
	}
	return r, nil
}

// ID returns the id of path, assigning a new one if needed.
func (r *inputRegistry) ID(path string) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.state.IDs[path]; ok {
		return id
	}
	id := r.state.Next
	r.state.Next++
	r.state.IDs[path] = id
	r.dirty = true
	return id
}

// Lookup returns the id of path without assigning one.
func (r *inputRegistry) Lookup(path string) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.state.IDs[path]
	return id, ok
}

// Paths returns the id to path mapping.
func (r *inputRegistry) Paths() map[int32]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int32]string, len(r.state.IDs))
	for p, id := range r.state.IDs {
		out[id] = p
	}
	return out
}

// Sorted returns the registered paths in lexical order.
func (r *inputRegistry) Sorted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.state.IDs))
	for p := range r.state.IDs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *inputRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.IDs)
}

// Save writes the registry if it changed since the last save.
func (r *inputRegistry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	data, err := fasterJson.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return err
	}
	r.dirty = false
	return nil
}

// Reset forgets every path.
func (r *inputRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = inputState{Next: 1, IDs: map[string]int32{}}
	r.dirty = true
}
