package lattice

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the ambient settings a Database is opened with — the
// logging, maintenance-scheduling, and path settings spec.md leaves to the
// embedding application to decide, the way the teacher repo's own
// yaml-driven config (internal/storage/db.go, cmd/main.go's -config flag)
// leaves engine tuning to a config file rather than code.
type Config struct {
	// Path is the transaction log file's location.
	Path string `yaml:"path"`

	// SnapshotInterval is how often the maintenance scheduler compacts the
	// log via Database.Snapshot into SnapshotPath; cmd/latticedb's
	// serve-maintenance uses one hour when it is zero.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotPath     string        `yaml:"snapshot_path"`
}

// LoadConfig reads and parses a YAML config file, the format the teacher
// repo itself uses for its own settings.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("lattice: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("lattice: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Option configures Open, following the teacher's own functional-options
// style (see internal/txlog.Option).
type Option func(*options)

type options struct {
	logger *log.Logger
}

// WithLogger overrides the default logger (log.Default()) a Database logs
// open, recovery (truncation), and commit-failure diagnostics to.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}
