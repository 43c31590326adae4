package migrate

// Options tunes orchestrator behavior. The zero value is usable; defaults
// are filled in by the constructors.
type Options struct {
	// ChunkSize is the number of records fetched per source query chunk.
	ChunkSize int

	// VendorDomain is the storage domain a record's file reference must
	// point at to be eligible for processing. Empty disables the check.
	VendorDomain string

	// AllowedExtensions is a lowercase extension allow-list including the
	// dot (".pdf"). Empty allows every extension; backup runs conventionally
	// leave it empty so the mirror is complete.
	AllowedExtensions []string

	// DryRun replaces mutating calls with log statements. Counters still
	// advance so a dry run previews real impact.
	DryRun bool

	// ConfigSnapshot is the redacted serialized configuration stored on the
	// run row.
	ConfigSnapshot string

	// SampleSize is the number of rows spot-checked after a full migration.
	SampleSize int

	// ValidationThreshold is the sample success rate below which the
	// post-migration check logs a warning.
	ValidationThreshold float64

	// ManifestDir is where rollback manifests are written.
	ManifestDir string
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 10
	}
	if o.ValidationThreshold <= 0 {
		o.ValidationThreshold = 0.9
	}
	if o.ManifestDir == "" {
		o.ManifestDir = "."
	}
	return o
}
