package catalog

import (
	"context"
	"log"
	"sync"
	"time"
)

// Zones resolves the timezone of a business from its replicated profile.
type Zones struct {
	reader   Reader
	fallback *time.Location

	mu     sync.RWMutex
	loaded map[string]*time.Location
}

// NewZones returns a resolver that uses fallback for businesses without a profile.
func NewZones(reader Reader, fallback *time.Location) *Zones {
	if fallback == nil {
		fallback = time.UTC
	}
	return &Zones{reader: reader, fallback: fallback, loaded: make(map[string]*time.Location)}
}

// For returns the business's location. A stored name that no longer loads falls back
// to the default and is logged.
func (z *Zones) For(ctx context.Context, businessID string) (*time.Location, error) {
	profile, ok, err := z.reader.GetProfile(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if !ok || profile.Timezone == "" {
		return z.fallback, nil
	}

	loc, err := z.load(profile.Timezone)
	if err != nil {
		log.Printf("[catalog] business %s has unusable timezone %q, using %s: %v", businessID, profile.Timezone, z.fallback, err)
		return z.fallback, nil
	}
	return loc, nil
}

func (z *Zones) load(name string) (*time.Location, error) {
	z.mu.RLock()
	loc, ok := z.loaded[name]
	z.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}

	z.mu.Lock()
	z.loaded[name] = loc
	z.mu.Unlock()
	return loc, nil
}
