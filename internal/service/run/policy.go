// Package run implements the execution/polling engine for SQL runs. The
// state machine decides what happens on each poll; the coordinator applies
// those decisions to the store, the event stream, and the queue.
package run

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PollPolicy holds the tunable timing knobs of the polling engine. All
// values have working defaults; deployments override them via a YAML file.
type PollPolicy struct {
	MaxTotalDuration        time.Duration `yaml:"maxTotalDuration"`
	PollBudget              int           `yaml:"pollBudget"`
	BackoffBase             time.Duration `yaml:"backoffBase"`
	BackoffGrowth           float64       `yaml:"backoffGrowth"`
	BackoffCap              time.Duration `yaml:"backoffCap"`
	JitterFraction          float64       `yaml:"jitterFraction"`
	StuckThreshold          time.Duration `yaml:"stuckThreshold"`
	NotRunningConfirmations int           `yaml:"notRunningConfirmations"`
	RowProbeMinRuntime      time.Duration `yaml:"rowProbeMinRuntime"`
	RowProbeMinInterval     time.Duration `yaml:"rowProbeMinInterval"`
	RowsetReadyMaxAttempts  int           `yaml:"rowsetReadyMaxAttempts"`
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() PollPolicy {
	return PollPolicy{
		MaxTotalDuration:        29 * time.Minute,
		PollBudget:              120,
		BackoffBase:             2 * time.Second,
		BackoffGrowth:           1.6,
		BackoffCap:              30 * time.Second,
		JitterFraction:          0.10,
		StuckThreshold:          3 * time.Minute,
		NotRunningConfirmations: 2,
		RowProbeMinRuntime:      5 * time.Second,
		RowProbeMinInterval:     5 * time.Second,
		RowsetReadyMaxAttempts:  5,
	}
}

// LoadPolicyFile returns the default policy overlaid with any values set in
// the YAML file at path. An empty path returns the defaults unchanged.
func LoadPolicyFile(path string) (PollPolicy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return policy, fmt.Errorf("read poll policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policy, fmt.Errorf("parse poll policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

// Validate rejects values the engine cannot run with.
func (p PollPolicy) Validate() error {
	if p.MaxTotalDuration <= 0 {
		return fmt.Errorf("maxTotalDuration must be positive")
	}
	if p.PollBudget <= 0 {
		return fmt.Errorf("pollBudget must be positive")
	}
	if p.BackoffBase <= 0 || p.BackoffCap < p.BackoffBase {
		return fmt.Errorf("backoffBase must be positive and no greater than backoffCap")
	}
	if p.BackoffGrowth < 1 {
		return fmt.Errorf("backoffGrowth must be at least 1")
	}
	if p.NotRunningConfirmations <= 0 {
		return fmt.Errorf("notRunningConfirmations must be positive")
	}
	if p.RowsetReadyMaxAttempts <= 0 {
		return fmt.Errorf("rowsetReadyMaxAttempts must be positive")
	}
	return nil
}

// BackoffDelay computes the deterministic part of the next poll delay:
// min(cap, base × growth^pollCount). Non-decreasing in pollCount until the
// cap is reached.
func (p PollPolicy) BackoffDelay(pollCount int) time.Duration {
	d := time.Duration(float64(p.BackoffBase) * math.Pow(p.BackoffGrowth, float64(pollCount)))
	if d > p.BackoffCap || d <= 0 {
		return p.BackoffCap
	}
	return d
}

// Jitter adds up to JitterFraction of d on top of d, so jitter spreads poll
// bursts without ever undercutting the backoff curve.
func (p PollPolicy) Jitter(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*p.JitterFraction*float64(d))
}
