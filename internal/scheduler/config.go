package scheduler

import "time"

type Config struct {
	// BatchSize is the number of contacts per broker message.
	BatchSize int
	// StuckJobTimeout is how long a job may stay PROCESSING before a run reclaims it.
	StuckJobTimeout time.Duration
	// RunTimeout bounds a single run, dispatch included.
	RunTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       500,
		StuckJobTimeout: 10 * time.Minute,
		RunTimeout:      5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.StuckJobTimeout <= 0 {
		c.StuckJobTimeout = def.StuckJobTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	return c
}
