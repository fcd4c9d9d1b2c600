// Package config holds the tunables of the sync engine and their YAML
// loader. Everything has a working default; a config file only overrides
// what it names.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config gathers per-component tunables. Durations are expressed in
// milliseconds in YAML to match how the thresholds are usually discussed.
type Config struct {
	Queue     QueueConfig     `yaml:"queue"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Channel   ChannelConfig   `yaml:"channel"`
	Propagate PropagateConfig `yaml:"propagate"`
}

// QueueConfig tunes the batching sync queue.
type QueueConfig struct {
	// DebounceMS is the trailing debounce window measured from the last
	// enqueue.
	DebounceMS int `yaml:"debounce_ms"`

	// InstantDebounceMS replaces DebounceMS while instant-render mode is
	// active.
	InstantDebounceMS int `yaml:"instant_debounce_ms"`

	// MaxBatchSize flushes immediately once this many changes are queued.
	MaxBatchSize int `yaml:"max_batch_size"`
}

// TrackerConfig tunes event batching and dedup.
type TrackerConfig struct {
	DebounceMS int `yaml:"debounce_ms"`

	// MaxWaitMS bounds batching delay under continuous activity: a batch
	// flushes at most this long after its first event.
	MaxWaitMS int `yaml:"max_wait_ms"`

	// ProcessedCap bounds the recently-processed id set.
	ProcessedCap int `yaml:"processed_cap"`
}

// ChannelConfig tunes the per-note logical connection.
type ChannelConfig struct {
	HeartbeatIntervalMS  int `yaml:"heartbeat_interval_ms"`
	ReconnectIntervalMS  int `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// PropagateConfig tunes large-batch slicing.
type PropagateConfig struct {
	// SliceSize is the element count above which a batch is propagated in
	// slices.
	SliceSize int `yaml:"slice_size"`

	// SliceDelayMS is the fixed delay between slices.
	SliceDelayMS int `yaml:"slice_delay_ms"`
}

// Default returns the engine defaults.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			DebounceMS:        50,
			InstantDebounceMS: 16,
			MaxBatchSize:      100,
		},
		Tracker: TrackerConfig{
			DebounceMS:   50,
			MaxWaitMS:    100,
			ProcessedCap: 1000,
		},
		Channel: ChannelConfig{
			HeartbeatIntervalMS:  30_000,
			ReconnectIntervalMS:  1_000,
			MaxReconnectAttempts: 5,
		},
		Propagate: PropagateConfig{
			SliceSize:    10,
			SliceDelayMS: 50,
		},
	}
}

// Load reads a YAML config file over the defaults. Unknown fields are
// rejected to catch typos, the same way the harness scenario loader does.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot operate with.
func (c Config) Validate() error {
	if c.Queue.DebounceMS <= 0 {
		return fmt.Errorf("queue.debounce_ms must be positive, got %d", c.Queue.DebounceMS)
	}
	if c.Queue.InstantDebounceMS <= 0 || c.Queue.InstantDebounceMS > c.Queue.DebounceMS {
		return fmt.Errorf("queue.instant_debounce_ms must be in (0, %d], got %d", c.Queue.DebounceMS, c.Queue.InstantDebounceMS)
	}
	if c.Queue.MaxBatchSize <= 0 {
		return fmt.Errorf("queue.max_batch_size must be positive, got %d", c.Queue.MaxBatchSize)
	}
	if c.Tracker.DebounceMS <= 0 {
		return fmt.Errorf("tracker.debounce_ms must be positive, got %d", c.Tracker.DebounceMS)
	}
	if c.Tracker.MaxWaitMS < c.Tracker.DebounceMS {
		return fmt.Errorf("tracker.max_wait_ms must be at least debounce_ms, got %d", c.Tracker.MaxWaitMS)
	}
	if c.Tracker.ProcessedCap <= 0 {
		return fmt.Errorf("tracker.processed_cap must be positive, got %d", c.Tracker.ProcessedCap)
	}
	if c.Channel.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("channel.heartbeat_interval_ms must be positive, got %d", c.Channel.HeartbeatIntervalMS)
	}
	if c.Channel.ReconnectIntervalMS <= 0 {
		return fmt.Errorf("channel.reconnect_interval_ms must be positive, got %d", c.Channel.ReconnectIntervalMS)
	}
	if c.Channel.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("channel.max_reconnect_attempts must be positive, got %d", c.Channel.MaxReconnectAttempts)
	}
	if c.Propagate.SliceSize <= 0 {
		return fmt.Errorf("propagate.slice_size must be positive, got %d", c.Propagate.SliceSize)
	}
	if c.Propagate.SliceDelayMS < 0 {
		return fmt.Errorf("propagate.slice_delay_ms must not be negative, got %d", c.Propagate.SliceDelayMS)
	}
	return nil
}

// Queue debounce as a duration.
func (q QueueConfig) Debounce() time.Duration { return time.Duration(q.DebounceMS) * time.Millisecond }

// InstantDebounce as a duration.
func (q QueueConfig) InstantDebounce() time.Duration {
	return time.Duration(q.InstantDebounceMS) * time.Millisecond
}

// Debounce as a duration.
func (t TrackerConfig) Debounce() time.Duration { return time.Duration(t.DebounceMS) * time.Millisecond }

// MaxWait as a duration.
func (t TrackerConfig) MaxWait() time.Duration { return time.Duration(t.MaxWaitMS) * time.Millisecond }

// HeartbeatInterval as a duration.
func (c ChannelConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// ReconnectInterval as a duration.
func (c ChannelConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

// SliceDelay as a duration.
func (p PropagateConfig) SliceDelay() time.Duration {
	return time.Duration(p.SliceDelayMS) * time.Millisecond
}
