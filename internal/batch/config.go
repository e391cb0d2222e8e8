package batch

import "time"

// Config tunes the batch-processing pipeline's size/timeout triggers and
// profile-update cadence.
type Config struct {
	BatchSize             int           // messages drained per pipeline run
	BatchTimeout          time.Duration // max wait since the first buffered message
	ProfileInterval       int64         // message-id gap that forces a profile refresh
	ProfileWindow         int           // recent-message window for profile updates
	MaxConcurrentProfiles int64         // semaphore weight for profile tasks
	PollInterval          time.Duration // how often the drain loop checks buffer length
}

// DefaultConfig matches the documented defaults: batches of 5 or every
// 60s, a profile refresh every 15 messages of drift, a 75-message
// observation window, and up to 5 concurrent profile tasks.
func DefaultConfig() Config {
	return Config{
		BatchSize:             5,
		BatchTimeout:          60 * time.Second,
		ProfileInterval:       15,
		ProfileWindow:         75,
		MaxConcurrentProfiles: 5,
		PollInterval:          1 * time.Second,
	}
}
