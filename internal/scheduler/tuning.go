package scheduler

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning overrides the scheduler's compiled-in thresholds without a
// redeploy. Optional: a deployment with no tuning file gets
// DefaultTuning(), matching every constant documented alongside the jobs
// that read it (ProfileDirtyTrigger, MergeAutoThreshold, etc).
type Tuning struct {
	CheckInterval       time.Duration `yaml:"check_interval"`
	ProfileDirtyTrigger int           `yaml:"profile_dirty_trigger"`
	ProfileIdleTrigger  time.Duration `yaml:"profile_idle_trigger"`
	UserIdleTrigger     time.Duration `yaml:"user_idle_trigger"`
	MergeAutoThreshold  float64       `yaml:"merge_auto_threshold"`
	MergeReviewThreshold float64      `yaml:"merge_review_threshold"`
}

// DefaultTuning mirrors the constants scattered across scheduler.go,
// profile.go, and merge.go.
func DefaultTuning() Tuning {
	return Tuning{
		CheckInterval:        DefaultCheckInterval,
		ProfileDirtyTrigger:  ProfileDirtyTrigger,
		ProfileIdleTrigger:   ProfileIdleTrigger,
		UserIdleTrigger:      UserIdleTrigger,
		MergeAutoThreshold:   MergeAutoThreshold,
		MergeReviewThreshold: MergeReviewThreshold,
	}
}

// LoadTuning reads a YAML override file, starting from DefaultTuning and
// overwriting only the fields present in the file. A missing path is not
// an error: it simply yields the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return t, fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tuning file: %w", err)
	}
	return t, nil
}
