package core

import (
	"strings"
)

// Preload warms the cache with one GET per path in the comma-separated
// list, as supplied by the server-side route enumeration. The resource
// identifier keys a persisted "preloaded" marker: a batch that already
// ran is skipped, and the marker is set only after the whole batch
// completes. Returns the number of paths warmed.
func (p *Proxy) Preload(resource, pathList string) (int, error) {
	marker := MarkerKey(resource)
	if _, ok, err := p.cache.Get(p.generation, marker); err != nil {
		return 0, err
	} else if ok {
		p.log.Debug().Str("resource", resource).Msg("Already preloaded, skipping")
		return 0, nil
	}

	warmed := 0
	failed := 0
	for _, path := range strings.Split(pathList, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if err := p.Warm(path); err != nil {
			p.log.Warn().Err(err).Str("path", path).Msg("Could not preload path")
			failed++
			continue
		}
		warmed++
	}

	// an incomplete batch stays unmarked so the next batch retries it
	if failed > 0 {
		return warmed, nil
	}
	if err := p.cache.Put(p.generation, marker, []byte("1")); err != nil {
		return warmed, err
	}
	p.log.Debug().Str("resource", resource).Int("paths", warmed).Msg("Preload complete")
	return warmed, nil
}
