package catalog

import (
	"fmt"
	"regexp"
)

// slugPattern constrains recipe identifiers to DNS-label style slugs.
var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidSlug reports whether id is a syntactically valid recipe identifier.
func ValidSlug(id string) bool {
	return len(id) <= 63 && slugPattern.MatchString(id)
}

// Recipe is a catalog entry describing one deployable service and its
// dependencies. Recipes are immutable once published and versioned by id.
type Recipe struct {
	// ID is the slug the recipe is addressed by.
	ID string `json:"id"`

	DisplayName string `json:"displayName"`
	Category    string `json:"category"`
	Version     string `json:"version"`

	// DependsOn lists recipe ids this service requires, in declaration
	// order.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Defaults is the default configuration merged under any
	// deploy-time overrides.
	Defaults map[string]string `json:"defaults,omitempty"`

	// Workload is the manifest template the deployer renders into
	// cluster resources.
	Workload Workload `json:"workload"`
}

// Workload is the deployable shape of a recipe. It intentionally covers a
// single long-running service; arbitrary manifest editing is out of scope.
type Workload struct {
	Image    string            `json:"image"`
	Port     int32             `json:"port,omitempty"`
	Replicas int32             `json:"replicas,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	CPU      string            `json:"cpu,omitempty"`
	Memory   string            `json:"memory,omitempty"`
}

// Validate checks the recipe is well formed enough to store.
func (r Recipe) Validate() error {
	if !ValidSlug(r.ID) {
		return fmt.Errorf("recipe id %q is not a valid slug", r.ID)
	}
	if r.Workload.Image == "" {
		return fmt.Errorf("recipe %s has no workload image", r.ID)
	}
	for _, dep := range r.DependsOn {
		if !ValidSlug(dep) {
			return fmt.Errorf("recipe %s dependency %q is not a valid slug", r.ID, dep)
		}
		if dep == r.ID {
			return fmt.Errorf("recipe %s depends on itself", r.ID)
		}
	}
	return nil
}

// ResolvedConfig merges the recipe defaults with deploy-time overrides.
// Overrides win; the recipe's defaults fill the gaps.
func (r Recipe) ResolvedConfig(overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(r.Defaults)+len(overrides))
	for k, v := range r.Defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
