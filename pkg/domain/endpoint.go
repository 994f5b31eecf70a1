package domain

import (
	"slices"
	"time"
)

// ProviderType names a capability a worker's provider plugin offers.
// The conductor only uses these as routing keys.
type ProviderType string

const (
	ProviderTypeEndpoint                   ProviderType = "endpoint"
	ProviderTypeEndpointInstances          ProviderType = "endpoint_instances"
	ProviderTypeEndpointNetworks           ProviderType = "endpoint_networks"
	ProviderTypeEndpointStorage            ProviderType = "endpoint_storage"
	ProviderTypeSourceEndpointOptions      ProviderType = "source_endpoint_options"
	ProviderTypeDestinationEndpointOptions ProviderType = "destination_endpoint_options"
	ProviderTypeReplicaExport              ProviderType = "replica_export"
	ProviderTypeReplicaImport              ProviderType = "replica_import"
	ProviderTypeOSMorphing                 ProviderType = "os_morphing"
)

// ProviderRequirements maps a platform name to the provider types needed on it
type ProviderRequirements map[string][]ProviderType

// Add records a requirement, skipping duplicates
func (r ProviderRequirements) Add(platform string, types ...ProviderType) {
	for _, t := range types {
		if t == "" || slices.Contains(r[platform], t) {
			continue
		}
		r[platform] = append(r[platform], t)
	}
}

// Endpoint is a registered cloud or virtualization platform account
type Endpoint struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Description    string         `json:"description,omitempty"`
	ConnectionInfo map[string]any `json:"connection_info"`
	MappedRegions  []string       `json:"mapped_regions,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
}

// WorkerService is a remote process able to run dispatched tasks
type WorkerService struct {
	ID            string                    `json:"id"`
	Host          string                    `json:"host"`
	Topic         string                    `json:"topic"`
	Enabled       bool                      `json:"enabled"`
	Providers     map[string][]ProviderType `json:"providers"`
	MappedRegions []string                  `json:"mapped_regions,omitempty"`
	LastSeen      time.Time                 `json:"last_seen"`
}

// Supports reports whether the service offers every requirement
func (w *WorkerService) Supports(reqs ProviderRequirements) bool {
	for platform, types := range reqs {
		offered, ok := w.Providers[platform]
		if !ok {
			return false
		}
		for _, t := range types {
			if !slices.Contains(offered, t) {
				return false
			}
		}
	}
	return true
}

// InRegions reports whether the service is mapped to at least one region of
// every non-empty set.
func (w *WorkerService) InRegions(regionSets [][]string) bool {
	for _, set := range regionSets {
		if len(set) == 0 {
			continue
		}
		found := false
		for _, region := range set {
			if slices.Contains(w.MappedRegions, region) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
