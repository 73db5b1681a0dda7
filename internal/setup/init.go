// Package setup handles dispatch working directory initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/havenline/dispatch/internal/model"
	atomicyaml "github.com/havenline/dispatch/internal/yaml"
)

// DirName is the working directory the daemon owns.
const DirName = ".dispatch"

// DefaultConfig returns the shipped configuration. Every value can be
// overridden in config.yaml; zero values fall back to these at point
// of use as well, so a partial config is fine.
func DefaultConfig(serviceName string) model.Config {
	if serviceName == "" {
		serviceName = "dispatch"
	}
	return model.Config{
		Service: model.ServiceConfig{Name: serviceName},
		Assignment: model.AssignmentConfig{
			DisconnectGraceSec:  15,
			WaitCeilingMin:      30,
			HeartbeatTimeoutSec: 60,
			RetainTerminalMin:   30,
		},
		Estimator: model.EstimatorConfig{
			DefaultAcceptSec: 120,
			Smoothing:        0.3,
		},
		Intake: model.IntakeConfig{
			Enabled:     true,
			DebounceSec: 1.0,
		},
		Limits: model.LimitsConfig{
			MaxOpenTasks:         500,
			MaxContextEntryBytes: 16384,
			EventBufferSize:      100,
		},
		Daemon: model.DaemonConfig{
			ScanIntervalSec:    10,
			ShutdownTimeoutSec: 30,
		},
		Logging: model.LoggingConfig{Level: "info"},
	}
}

// Run scaffolds the .dispatch/ directory inside baseDir.
func Run(baseDir, serviceName string) error {
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"intake",
		"intake/quarantine",
		"state",
		"locks",
		"logs",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := DefaultConfig(serviceName)
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), &cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	emptyTasks := model.TaskFile{SchemaVersion: 1, FileType: "task_store"}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "tasks.yaml"), &emptyTasks); err != nil {
		return fmt.Errorf("write tasks.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

// LoadConfig reads config.yaml from an existing working directory.
func LoadConfig(workDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(workDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}
