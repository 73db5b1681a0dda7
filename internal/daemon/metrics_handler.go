package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/havenline/dispatch/internal/model"
	yamlutil "github.com/havenline/dispatch/internal/yaml"
)

// MetricsHandler maintains state/metrics.yaml for the dashboard's
// stats collaborator. Counters are cumulative across restarts; queue
// depth is recomputed each cycle.
type MetricsHandler struct {
	workDir  string
	logger   *log.Logger
	logLevel LogLevel
}

func NewMetricsHandler(workDir string, logger *log.Logger, logLevel LogLevel) *MetricsHandler {
	return &MetricsHandler{
		workDir:  workDir,
		logger:   logger,
		logLevel: logLevel,
	}
}

// Update merges one scan cycle's counter delta and the current queue
// composition into the metrics file.
func (mh *MetricsHandler) Update(open []*model.TaskRecord, delta model.MetricsCounters, scanAt time.Time) error {
	metricsPath := filepath.Join(mh.workDir, "state", "metrics.yaml")
	if err := os.MkdirAll(filepath.Dir(metricsPath), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var metrics model.Metrics
	if err := yamlutil.ReadInto(metricsPath, &metrics); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read metrics: %w", err)
		}
		metrics.SchemaVersion = 1
		metrics.FileType = "state_metrics"
	}

	metrics.QueueDepth = model.QueueDepth{}
	for _, t := range open {
		metrics.QueueDepth.Total++
		switch t.RiskLevel {
		case model.RiskLow:
			metrics.QueueDepth.Low++
		case model.RiskMedium:
			metrics.QueueDepth.Medium++
		case model.RiskHigh:
			metrics.QueueDepth.High++
		case model.RiskCritical:
			metrics.QueueDepth.Critical++
		}
	}

	metrics.Counters.TasksCreated += delta.TasksCreated
	metrics.Counters.TasksAssigned += delta.TasksAssigned
	metrics.Counters.TasksWithdrawn += delta.TasksWithdrawn
	metrics.Counters.TasksRequeued += delta.TasksRequeued
	metrics.Counters.TasksExpired += delta.TasksExpired
	metrics.Counters.AcceptsRejected += delta.AcceptsRejected
	metrics.Counters.IntakeQuarantined += delta.IntakeQuarantined

	heartbeat := scanAt.Format(time.RFC3339)
	metrics.DaemonHeartbeat = &heartbeat
	metrics.UpdatedAt = &heartbeat

	if err := yamlutil.AtomicWrite(metricsPath, &metrics); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	mh.log(LogLevelDebug, "metrics_updated depth=%d critical=%d",
		metrics.QueueDepth.Total, metrics.QueueDepth.Critical)
	return nil
}

func (mh *MetricsHandler) log(level LogLevel, format string, args ...any) {
	if level < mh.logLevel || mh.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	mh.logger.Printf("%s %s metrics: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
