package buffer

import (
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/manifest"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/pathmap"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segfile"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segments"
	"github.com/rs/zerolog"
)

const (
	DefaultReconcileAttempts = 3
	DefaultReadAheadSize     = 4096
	DefaultReadAheadCooldown = 2 * time.Second
)

// Options configures a Reader. The zero value is usable.
type Options struct {
	Manifest manifest.Options
	// Segment tunes the handles opened for cursor reads, read-ahead and length probes.
	Segment segfile.Options
	// Resolver maps stored filenames to local paths. Defaults to an unmapped pathmap.Mapper.
	Resolver pathmap.Resolver
	// Prober measures finished segments. Defaults to segments.StableProber on Segment.
	Prober segments.LengthProber

	// ReconcileAttempts bounds how often a refresh is repeated when the parsed
	// manifest does not line up with the known segment list.
	ReconcileAttempts int

	// ReadAhead starts the cache-defeat task at Open.
	ReadAhead         bool
	ReadAheadSize     int
	ReadAheadCooldown time.Duration

	// WaitForManifest, if positive, waits up to this long for the manifest to
	// appear before the retrying open.
	WaitForManifest time.Duration

	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Resolver == nil {
		o.Resolver = pathmap.New(nil)
	}
	if o.Prober == nil {
		o.Prober = segments.StableProber{Handle: o.Segment}
	}
	if o.ReconcileAttempts <= 0 {
		o.ReconcileAttempts = DefaultReconcileAttempts
	}
	if o.ReadAheadSize <= 0 {
		o.ReadAheadSize = DefaultReadAheadSize
	}
	if o.ReadAheadCooldown <= 0 {
		o.ReadAheadCooldown = DefaultReadAheadCooldown
	}
	return o
}
