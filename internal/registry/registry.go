// Package registry keeps the record of installed games: where each archive
// lives and the options it was installed with.
package registry

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Game is one installed (or partially installed) game.
type Game struct {
	ID              string    `json:"id"`
	ArchivePath     string    `json:"archive_path"`
	AutoUpdate      bool      `json:"auto_update"`
	SelectedContent []string  `json:"selected_content,omitempty"`
	VersionNum      uint32    `json:"version_num"`
	VersionHR       string    `json:"version_hr,omitempty"`
	Updated         time.Time `json:"updated"`
}

// NotFoundError reports a game id the registry has no record of.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: no installed game %q", e.ID)
}

// Registry is a JSON file of installed games. It is safe for concurrent use
// within one process.
type Registry struct {
	path string

	mu    sync.Mutex
	games map[string]Game
}

type fileFormat struct {
	Games []Game `json:"games"`
}

// Load reads the registry at path. A missing file is an empty registry.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, games: make(map[string]Game)}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	var ff fileFormat
	if err := json.Unmarshal(b, &ff); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	for _, g := range ff.Games {
		r.games[g.ID] = g
	}
	return r, nil
}

// Path returns the file backing the registry.
func (r *Registry) Path() string { return r.path }

// Get returns the record for id, or a *NotFoundError.
func (r *Registry) Get(id string) (Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[id]
	if !ok {
		return Game{}, &NotFoundError{ID: id}
	}
	g.SelectedContent = slices.Clone(g.SelectedContent)
	return g, nil
}

// List returns every record ordered by id.
func (r *Registry) List() []Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Game, 0, len(r.games))
	for _, g := range r.games {
		g.SelectedContent = slices.Clone(g.SelectedContent)
		out = append(out, g)
	}
	slices.SortFunc(out, byID)
	return out
}

// Put stores g and writes the registry to disk.
func (r *Registry) Put(g Game) error {
	if g.ID == "" {
		return errors.New("registry: empty game id")
	}
	g.SelectedContent = slices.Clone(g.SelectedContent)
	if g.Updated.IsZero() {
		g.Updated = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.games[g.ID]
	r.games[g.ID] = g
	if err := r.save(); err != nil {
		if had {
			r.games[g.ID] = prev
		} else {
			delete(r.games, g.ID)
		}
		return err
	}
	return nil
}

// Update applies fn to the record for id and saves it.
func (r *Registry) Update(id string, fn func(*Game)) error {
	g, err := r.Get(id)
	if err != nil {
		return err
	}
	fn(&g)
	g.Updated = time.Now().UTC()
	return r.Put(g)
}

// Delete removes the record for id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.games[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	delete(r.games, id)
	if err := r.save(); err != nil {
		r.games[id] = prev
		return err
	}
	return nil
}

// save writes to a temp file and renames it over the registry. Called with
// r.mu held.
func (r *Registry) save() error {
	ff := fileFormat{Games: make([]Game, 0, len(r.games))}
	for _, g := range r.games {
		ff.Games = append(ff.Games, g)
	}
	slices.SortFunc(ff.Games, byID)
	b, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

func byID(a, b Game) int { return cmp.Compare(a.ID, b.ID) }
