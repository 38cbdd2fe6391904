package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/repo"

	"stackpilot/pkg/logging"
)

// ChartHit is one result of an external chart search.
type ChartHit struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Repository  string `json:"repository"`
}

// ChartFinder searches an external chart source for services that are not
// in the catalog. The tool router uses it to offer creating a new catalog
// entry instead of failing a request outright.
type ChartFinder interface {
	FindCharts(ctx context.Context, query string) ([]ChartHit, error)
}

// HelmFinder searches a Helm repository index.
type HelmFinder struct {
	repoURL  string
	settings *cli.EnvSettings
}

// NewHelmFinder creates a finder over the given Helm repository URL.
func NewHelmFinder(repoURL string) *HelmFinder {
	return &HelmFinder{
		repoURL:  repoURL,
		settings: cli.New(),
	}
}

// FindCharts downloads the repository index and returns charts whose name
// or description matches the query.
func (f *HelmFinder) FindCharts(ctx context.Context, query string) ([]ChartHit, error) {
	entry := &repo.Entry{
		Name: "stackpilot-search",
		URL:  f.repoURL,
	}
	chartRepo, err := repo.NewChartRepository(entry, getter.All(f.settings))
	if err != nil {
		return nil, fmt.Errorf("opening chart repository %s: %w", f.repoURL, err)
	}
	chartRepo.CachePath = f.settings.RepositoryCache

	indexPath, err := chartRepo.DownloadIndexFile()
	if err != nil {
		return nil, fmt.Errorf("downloading index from %s: %w", f.repoURL, err)
	}
	index, err := repo.LoadIndexFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("loading index from %s: %w", indexPath, err)
	}

	hits := SearchIndex(index, query, f.repoURL)
	logging.Debug("ChartSearch", "Query %q matched %d charts in %s", query, len(hits), f.repoURL)
	return hits, nil
}

// SearchIndex scans a loaded repository index for charts matching the
// query. Only the latest version of each chart is reported.
func SearchIndex(index *repo.IndexFile, query, repoURL string) []ChartHit {
	query = strings.ToLower(query)

	var hits []ChartHit
	for name, versions := range index.Entries {
		if len(versions) == 0 {
			continue
		}
		latest := versions[0]
		if latest.Metadata == nil {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(name), query) &&
			!strings.Contains(strings.ToLower(latest.Description), query) {
			continue
		}
		hits = append(hits, ChartHit{
			Name:        name,
			Version:     latest.Version,
			Description: latest.Description,
			Repository:  repoURL,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Name < hits[j].Name })
	return hits
}
