package harness

import (
	"os"

	"github.com/rs/zerolog"
)

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger overrides the coordinator's logger. The default is a
// zerolog logger writing to stderr at info level.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithCoverageMapDir sets the directory the coverage map's backing temp
// file is created in. Defaults to os.TempDir().
func WithCoverageMapDir(dir string) Option {
	return func(c *Coordinator) { c.covDir = dir }
}

// WithCoverageMapSize overrides the coverage map size. Must be a
// positive power of two. Defaults to covmap.DefaultSize.
func WithCoverageMapSize(size int) Option {
	return func(c *Coordinator) { c.covSize = size }
}

// WithInputSizePolicy selects how oversized inputs are handled relative
// to the guest's declared buffer size. Defaults to SizePolicyTruncate.
func WithInputSizePolicy(policy InputSizePolicy) Option {
	return func(c *Coordinator) { c.sizePolicy = policy }
}

func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}
