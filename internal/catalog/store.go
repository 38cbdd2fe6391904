package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/yaml"

	"stackpilot/internal/api"
	"stackpilot/pkg/logging"
)

// Resolver is the read surface of the catalog consumed by the graph
// builder and the tool router.
type Resolver interface {
	// Resolve returns the recipe for id. It rejects syntactically
	// invalid slugs before lookup, returns an api.NotFoundError for
	// unknown ids and an api.UnavailableError for storage faults.
	Resolve(id string) (Recipe, error)
}

// Store is a directory-backed recipe catalog. Each recipe lives in its own
// YAML file named <id>.yaml; the directory is watched and reloaded on
// change so externally published recipes appear without a restart.
type Store struct {
	mu      sync.RWMutex
	dir     string
	recipes map[string]Recipe

	// loadErr holds the last full-reload failure. While set, lookups
	// report the catalog unavailable instead of serving a stale or
	// partial index.
	loadErr error

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads the catalog from dir. The directory is created if absent
// so a fresh install starts with an empty catalog.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, api.NewCatalogUnavailable(err)
	}

	s := &Store{
		dir:     dir,
		recipes: make(map[string]Recipe),
		done:    make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts reloading the catalog on filesystem changes. It returns
// immediately; call Close to stop the watcher.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching catalog dir %s: %w", s.dir, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if !isRecipeFile(event.Name) {
					continue
				}
				if err := s.reload(); err != nil {
					logging.Error("Catalog", err, "Reload after %s failed", event.Name)
				} else {
					logging.Debug("Catalog", "Reloaded after change to %s", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("Catalog", "Watcher error: %v", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the filesystem watcher.
func (s *Store) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// reload re-reads every recipe file in the catalog directory.
func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		wrapped := api.NewCatalogUnavailable(err)
		s.mu.Lock()
		s.loadErr = wrapped
		s.mu.Unlock()
		return wrapped
	}

	recipes := make(map[string]Recipe)
	for _, entry := range entries {
		if entry.IsDir() || !isRecipeFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			wrapped := api.NewCatalogUnavailable(fmt.Errorf("reading %s: %w", path, err))
			s.mu.Lock()
			s.loadErr = wrapped
			s.mu.Unlock()
			return wrapped
		}

		var recipe Recipe
		if err := yaml.Unmarshal(data, &recipe); err != nil {
			logging.Warn("Catalog", "Skipping malformed recipe file %s: %v", path, err)
			continue
		}
		if err := recipe.Validate(); err != nil {
			logging.Warn("Catalog", "Skipping invalid recipe in %s: %v", path, err)
			continue
		}
		recipes[recipe.ID] = recipe
	}

	s.mu.Lock()
	s.recipes = recipes
	s.loadErr = nil
	s.mu.Unlock()

	logging.Debug("Catalog", "Loaded %d recipes from %s", len(recipes), s.dir)
	return nil
}

func isRecipeFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Resolve implements Resolver.
func (s *Store) Resolve(id string) (Recipe, error) {
	if !ValidSlug(id) {
		return Recipe{}, api.NewNotFoundError("recipe", id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.loadErr != nil {
		return Recipe{}, s.loadErr
	}
	recipe, ok := s.recipes[id]
	if !ok {
		return Recipe{}, api.NewNotFoundError("recipe", id)
	}
	return recipe, nil
}

// List returns all recipes sorted by id.
func (s *Store) List() ([]Recipe, error) {
	return s.Search("", "")
}

// Search returns recipes matching the query (substring of id or display
// name, case-insensitive) and category, sorted by id. Empty arguments
// match everything.
func (s *Store) Search(query, category string) ([]Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	query = strings.ToLower(query)
	var out []Recipe
	for _, recipe := range s.recipes {
		if category != "" && recipe.Category != category {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(recipe.ID), query) &&
			!strings.Contains(strings.ToLower(recipe.DisplayName), query) {
			continue
		}
		out = append(out, recipe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create publishes a new recipe. Published recipes are immutable: an
// existing id is rejected rather than overwritten.
func (s *Store) Create(recipe Recipe) error {
	if err := recipe.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recipes[recipe.ID]; exists {
		return fmt.Errorf("recipe %s already published", recipe.ID)
	}

	data, err := yaml.Marshal(recipe)
	if err != nil {
		return fmt.Errorf("encoding recipe %s: %w", recipe.ID, err)
	}
	path := filepath.Join(s.dir, recipe.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return api.NewCatalogUnavailable(fmt.Errorf("writing %s: %w", path, err))
	}

	s.recipes[recipe.ID] = recipe
	logging.Info("Catalog", "Published recipe %s (%s)", recipe.ID, recipe.Version)
	return nil
}
