package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

// SiteRepository keeps site records in memory.
type SiteRepository struct {
	mu    sync.RWMutex
	sites map[string]crawler.SiteRecord
	saves int
}

// NewSiteRepository constructs an empty SiteRepository.
func NewSiteRepository() *SiteRepository {
	return &SiteRepository{sites: make(map[string]crawler.SiteRecord)}
}

// LoadSites returns all records ordered by origin.
func (r *SiteRepository) LoadSites(context.Context) ([]crawler.SiteRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawler.SiteRecord, 0, len(r.sites))
	for _, site := range r.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out, nil
}

// SaveSite replaces the record for site.Origin.
func (r *SiteRepository) SaveSite(_ context.Context, site crawler.SiteRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[site.Origin] = site
	r.saves++
	return nil
}

// Get returns the stored record for origin.
func (r *SiteRepository) Get(origin string) (crawler.SiteRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	site, ok := r.sites[origin]
	return site, ok
}

// Saves returns how many writes the repository has accepted.
func (r *SiteRepository) Saves() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}
