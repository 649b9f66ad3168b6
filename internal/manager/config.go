package manager

import "time"

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultWorkers            = 1
	defaultQueueDepth         = 32
	defaultMaxTopK            = 5
	defaultTopK               = 3
	defaultFeatureMapChannels = 32
	defaultJobTimeout         = 2 * time.Minute
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Workers is the number of goroutines consuming the job queue.
	Workers int
	// QueueDepth bounds the number of queued-but-not-running jobs.
	QueueDepth int
	// MaxTopK is the largest accepted top_k_preds / top_k_cam value.
	MaxTopK int
	// DefaultTopK replaces omitted top-k settings.
	DefaultTopK int
	// FeatureMapChannels is how many channels are rendered per hooked layer.
	FeatureMapChannels int
	// JobTimeout bounds the wall-clock time of one job's pipeline.
	// Zero takes the default; a negative value disables the deadline.
	JobTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = defaultMaxTopK
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = defaultTopK
	}
	if c.FeatureMapChannels <= 0 {
		c.FeatureMapChannels = defaultFeatureMapChannels
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = defaultJobTimeout
	} else if c.JobTimeout < 0 {
		c.JobTimeout = 0
	}
	return c
}
