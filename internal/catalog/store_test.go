package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackpilot/internal/api"
)

func writeRecipe(t *testing.T, dir string, recipe Recipe) {
	t.Helper()
	content := "id: " + recipe.ID + "\n" +
		"displayName: " + recipe.DisplayName + "\n" +
		"category: " + recipe.Category + "\n" +
		"version: \"1.0.0\"\n" +
		"workload:\n  image: " + recipe.Workload.Image + "\n"
	if len(recipe.DependsOn) > 0 {
		content += "dependsOn:\n"
		for _, dep := range recipe.DependsOn {
			content += "  - " + dep + "\n"
		}
	}
	path := filepath.Join(dir, recipe.ID+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestValidSlug(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"n8n", true},
		{"postgres", true},
		{"my-app-2", true},
		{"", false},
		{"-leading", false},
		{"trailing-", false},
		{"Has-Upper", false},
		{"under_score", false},
		{"dots.not.allowed", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidSlug(tt.id), "slug %q", tt.id)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, Recipe{ID: "postgres", DisplayName: "PostgreSQL", Category: "database", Workload: Workload{Image: "postgres:16"}})

	store, err := NewStore(dir)
	require.NoError(t, err)

	recipe, err := store.Resolve("postgres")
	require.NoError(t, err)
	assert.Equal(t, "PostgreSQL", recipe.DisplayName)
	assert.Equal(t, "postgres:16", recipe.Workload.Image)
}

func TestResolveNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Resolve("missing")
	assert.True(t, api.IsNotFound(err))
}

func TestResolveRejectsInvalidSlugBeforeLookup(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "Bad Slug", "UPPER", "a_b"} {
		_, err := store.Resolve(id)
		assert.True(t, api.IsNotFound(err), "slug %q", id)
	}
}

func TestSearch(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, Recipe{ID: "postgres", DisplayName: "PostgreSQL", Category: "database", Workload: Workload{Image: "postgres:16"}})
	writeRecipe(t, dir, Recipe{ID: "redis", DisplayName: "Redis", Category: "database", Workload: Workload{Image: "redis:7"}})
	writeRecipe(t, dir, Recipe{ID: "n8n", DisplayName: "n8n Automation", Category: "automation", Workload: Workload{Image: "n8nio/n8n:1.0"}})

	store, err := NewStore(dir)
	require.NoError(t, err)

	all, err := store.Search("", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Sorted by id.
	assert.Equal(t, "n8n", all[0].ID)

	dbs, err := store.Search("", "database")
	require.NoError(t, err)
	assert.Len(t, dbs, 2)

	byName, err := store.Search("postgre", "")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "postgres", byName[0].ID)

	none, err := store.Search("nothing-matches", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreatePersistsAndRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	recipe := Recipe{
		ID:          "grafana",
		DisplayName: "Grafana",
		Category:    "monitoring",
		Version:     "1.0.0",
		Workload:    Workload{Image: "grafana/grafana:11"},
	}
	require.NoError(t, store.Create(recipe))

	// Written to disk so a fresh store sees it.
	fresh, err := NewStore(dir)
	require.NoError(t, err)
	got, err := fresh.Resolve("grafana")
	require.NoError(t, err)
	assert.Equal(t, "Grafana", got.DisplayName)

	// Published recipes are immutable.
	assert.Error(t, store.Create(recipe))
}

func TestCreateRejectsInvalidRecipe(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.Create(Recipe{ID: "Bad Slug", Workload: Workload{Image: "x"}}))
	assert.Error(t, store.Create(Recipe{ID: "no-image"}))
	assert.Error(t, store.Create(Recipe{ID: "self", DependsOn: []string{"self"}, Workload: Workload{Image: "x"}}))
}

func TestReloadSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, Recipe{ID: "postgres", DisplayName: "PostgreSQL", Category: "database", Workload: Workload{Image: "postgres:16"}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{not yaml"), 0o644))

	store, err := NewStore(dir)
	require.NoError(t, err)

	all, err := store.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestResolvedConfig(t *testing.T) {
	recipe := Recipe{
		ID:       "app",
		Defaults: map[string]string{"replicas": "1", "tier": "standard"},
		Workload: Workload{Image: "app:1"},
	}

	merged := recipe.ResolvedConfig(map[string]string{"replicas": "3"})
	assert.Equal(t, "3", merged["replicas"])
	assert.Equal(t, "standard", merged["tier"])
}
