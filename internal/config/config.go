package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every policy parameter the scheduler consults. Nothing in
// component code hard-codes a threshold; operators tune this file.
type Config struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	ListenAddr    string   `yaml:"listen_addr"`

	Queue    QueueConfig    `yaml:"queue"`
	Lease    LeaseConfig    `yaml:"lease"`
	Pool     PoolConfig     `yaml:"pool"`
	Health   HealthConfig   `yaml:"health"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Worker   WorkerConfig   `yaml:"worker"`
}

type QueueConfig struct {
	// AgingInterval is how long a job waits per +1 of effective priority.
	AgingInterval time.Duration `yaml:"aging_interval"`
	// HighWaterMark is the per-queue depth past which submit fails fast.
	HighWaterMark int `yaml:"high_water_mark"`
}

type LeaseConfig struct {
	// TTL is the reservation lease duration; heartbeats renew it.
	TTL time.Duration `yaml:"ttl"`
	// HeartbeatInterval is how often workers report in.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type PoolConfig struct {
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`
	// ScaleUpThreshold is the queue-depth-per-active-worker ratio that
	// triggers a spawn.
	ScaleUpThreshold float64       `yaml:"scale_up_threshold"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	// GracePeriod is how long a draining worker may finish its current job
	// before being force-terminated.
	GracePeriod   time.Duration `yaml:"grace_period"`
	CheckInterval time.Duration `yaml:"check_interval"`
	// WorkerImage is the container image spawned workers run.
	WorkerImage string `yaml:"worker_image"`
	// GPUSlots caps how many GPU workers the host can provision.
	GPUSlots int `yaml:"gpu_slots"`
}

type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`

	HealthyThreshold   float64 `yaml:"healthy_threshold"`
	UnhealthyThreshold float64 `yaml:"unhealthy_threshold"`

	// Resource pressure above these percentages scores zero on that probe.
	CPULimitPct    float64 `yaml:"cpu_limit_pct"`
	MemoryLimitPct float64 `yaml:"memory_limit_pct"`
	GPUMemLimitPct float64 `yaml:"gpu_mem_limit_pct"`

	// ExpectedLatency anchors the task-performance probe.
	ExpectedLatency time.Duration `yaml:"expected_latency"`

	HeartbeatWeight float64 `yaml:"heartbeat_weight"`
	ResourceWeight  float64 `yaml:"resource_weight"`
	TaskWeight      float64 `yaml:"task_weight"`
}

type RecoveryConfig struct {
	// MaxRetries per error category; categories absent here never retry.
	MaxRetries map[string]int `yaml:"max_retries"`

	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	// Cooldown delays requeue after a resource-exhausted failure.
	Cooldown time.Duration `yaml:"cooldown"`

	// Breaker opens after this many consecutive failures per target.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerWindow    time.Duration `yaml:"breaker_window"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`

	// RulesFile points at the yaml error-classification rule table.
	RulesFile string `yaml:"rules_file"`
}

type JanitorConfig struct {
	// Retention keeps terminal jobs queryable before archival.
	Retention     time.Duration `yaml:"retention"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type WorkerConfig struct {
	Class          string  `yaml:"class"`
	CPUCores       float64 `yaml:"cpu_cores"`
	MemoryGB       float64 `yaml:"memory_gb"`
	GPUCount       int     `yaml:"gpu_count"`
	GPUMemoryGB    float64 `yaml:"gpu_memory_gb"`
	ConcurrencyCap int     `yaml:"concurrency_cap"`
	DockerHost     string  `yaml:"docker_host"`
}

// Default returns the shipped policy. Every value here is a starting point,
// not a recommendation; operators are expected to tune per deployment.
func Default() *Config {
	return &Config{
		EtcdEndpoints: []string{"localhost:2379"},
		ListenAddr:    ":8080",
		Queue: QueueConfig{
			AgingInterval: 30 * time.Second,
			HighWaterMark: 1000,
		},
		Lease: LeaseConfig{
			TTL:               15 * time.Second,
			HeartbeatInterval: 3 * time.Second,
		},
		Pool: PoolConfig{
			MinWorkers:       1,
			MaxWorkers:       8,
			ScaleUpThreshold: 4,
			IdleTimeout:      5 * time.Minute,
			GracePeriod:      2 * time.Minute,
			CheckInterval:    15 * time.Second,
			WorkerImage:      "prism/workerd:latest",
			GPUSlots:         2,
		},
		Health: HealthConfig{
			CheckInterval:      30 * time.Second,
			HealthyThreshold:   0.9,
			UnhealthyThreshold: 0.7,
			CPULimitPct:        95,
			MemoryLimitPct:     90,
			GPUMemLimitPct:     95,
			ExpectedLatency:    2 * time.Minute,
			HeartbeatWeight:    0.4,
			ResourceWeight:     0.3,
			TaskWeight:         0.3,
		},
		Recovery: RecoveryConfig{
			MaxRetries: map[string]int{
				"transient":          3,
				"resource_exhausted": 5,
				"timeout":            1,
				"unknown":            1,
			},
			BackoffBase:      2 * time.Second,
			BackoffCap:       2 * time.Minute,
			Cooldown:         30 * time.Second,
			BreakerThreshold: 5,
			BreakerWindow:    time.Minute,
			RecoveryTimeout:  30 * time.Second,
		},
		Janitor: JanitorConfig{
			Retention:     24 * time.Hour,
			SweepSchedule: "@every 5m",
		},
		Worker: WorkerConfig{
			Class:          "cpu",
			CPUCores:       4,
			MemoryGB:       16,
			ConcurrencyCap: 2,
		},
	}
}

// Load reads the yaml file at path over the defaults. An empty path returns
// the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv loads the file named by PRISM_CONFIG, or defaults when unset.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("PRISM_CONFIG"))
}
