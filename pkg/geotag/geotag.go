// Package geotag tags accepted chirp connections with a coarse geographic
// region, for low-cardinality metrics, using the same file-backed
// IP2Location database wrapper Atlas uses for its server-registration
// geolocation (pkg/atlas/util.go's ip2xMgr) and the region bucketing from
// pkg/regionmap.
package geotag

import (
	"fmt"
	"net/netip"
	"os"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pg9182/ip2x"

	"github.com/pg9182/chirp/pkg/regionmap"
)

// DB wraps a file-backed IP2Location database and the region-bucketed
// counters derived from lookups against it.
type DB struct {
	mu   sync.RWMutex
	file *os.File
	db   *ip2x.DB

	set            *metrics.Set
	acceptedRegion map[string]*metrics.Counter
	lookupFailures *metrics.Counter
}

// NewDB constructs an empty, unloaded DB; Load must be called before
// Tag does anything useful.
func NewDB(set *metrics.Set) *DB {
	return &DB{
		set:            set,
		acceptedRegion: make(map[string]*metrics.Counter),
		lookupFailures: set.NewCounter(`chirp_geotag_lookup_failures_total`),
	}
}

// Load replaces the currently loaded database with the one at name. If name
// is empty, the existing database (if any) is simply reopened, e.g. after
// an external updater replaced the file in place.
func (d *DB) Load(name string) error {
	if name == "" {
		d.mu.RLock()
		if d.file == nil {
			d.mu.RUnlock()
			return fmt.Errorf("geotag: no database loaded")
		}
		name = d.file.Name()
		d.mu.RUnlock()
	}

	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("geotag: open %q: %w", name, err)
	}

	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("geotag: parse %q: %w", name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		d.file.Close()
	}
	d.file, d.db = f, db
	return nil
}

// Tag records an acceptance for addr under its region bucket (regionmap),
// looking up its country/region in the loaded database. It is a no-op (but
// still counts as a lookup failure) if no database is loaded, addr isn't
// found, or the record doesn't resolve to a known region.
func (d *DB) Tag(addr netip.Addr) {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		d.lookupFailures.Inc()
		return
	}
	rec, err := db.Lookup(addr)
	if err != nil {
		d.lookupFailures.Inc()
		return
	}
	region, rerr := regionmap.GetRegion(addr, rec)
	if region == "" {
		d.lookupFailures.Inc()
		return
	}
	// rerr (an unhandled sub-region) still yields a usable best-effort
	// region name; count it anyway.
	_ = rerr
	d.counterFor(region).Inc()
}

// counterFor returns (creating if necessary) the counter for region.
func (d *DB) counterFor(region string) *metrics.Counter {
	d.mu.RLock()
	c := d.acceptedRegion[region]
	d.mu.RUnlock()
	if c != nil {
		return c
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c = d.acceptedRegion[region]; c != nil {
		return c
	}
	c = d.set.NewCounter(fmt.Sprintf(`chirp_conns_accepted{region=%q}`, region))
	d.acceptedRegion[region] = c
	return c
}
