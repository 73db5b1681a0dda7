package daemon

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/havenline/dispatch/internal/model"
	yamlutil "github.com/havenline/dispatch/internal/yaml"
)

func readMetrics(t *testing.T, workDir string) model.Metrics {
	t.Helper()
	var m model.Metrics
	if err := yamlutil.ReadInto(filepath.Join(workDir, "state", "metrics.yaml"), &m); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return m
}

func TestMetricsUpdate_QueueDepthByRisk(t *testing.T) {
	workDir := t.TempDir()
	mh := NewMetricsHandler(workDir, nil, LogLevelError)

	open := []*model.TaskRecord{
		{ID: "task_1700000000_aaaaaaaa", RiskLevel: model.RiskCritical, State: model.StateOpen},
		{ID: "task_1700000001_bbbbbbbb", RiskLevel: model.RiskCritical, State: model.StateOffered},
		{ID: "task_1700000002_cccccccc", RiskLevel: model.RiskLow, State: model.StateOpen},
	}
	if err := mh.Update(open, model.MetricsCounters{}, time.Now().UTC()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	m := readMetrics(t, workDir)
	if m.QueueDepth.Total != 3 || m.QueueDepth.Critical != 2 || m.QueueDepth.Low != 1 {
		t.Errorf("queue depth = %+v", m.QueueDepth)
	}
	if m.DaemonHeartbeat == nil {
		t.Error("heartbeat not stamped")
	}
	if m.SchemaVersion != 1 || m.FileType != "state_metrics" {
		t.Errorf("header = %d/%s", m.SchemaVersion, m.FileType)
	}
}

func TestMetricsUpdate_CountersAccumulate(t *testing.T) {
	workDir := t.TempDir()
	mh := NewMetricsHandler(workDir, nil, LogLevelError)

	now := time.Now().UTC()
	if err := mh.Update(nil, model.MetricsCounters{TasksCreated: 2, TasksAssigned: 1}, now); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	if err := mh.Update(nil, model.MetricsCounters{TasksCreated: 3, AcceptsRejected: 4}, now); err != nil {
		t.Fatalf("second Update: %v", err)
	}

	m := readMetrics(t, workDir)
	if m.Counters.TasksCreated != 5 {
		t.Errorf("tasks_created = %d, want 5", m.Counters.TasksCreated)
	}
	if m.Counters.TasksAssigned != 1 {
		t.Errorf("tasks_assigned = %d, want 1", m.Counters.TasksAssigned)
	}
	if m.Counters.AcceptsRejected != 4 {
		t.Errorf("accepts_rejected = %d, want 4", m.Counters.AcceptsRejected)
	}
	// Queue depth is recomputed, not accumulated.
	if m.QueueDepth.Total != 0 {
		t.Errorf("queue depth = %d, want 0", m.QueueDepth.Total)
	}
}

func TestCounterSet_DrainResets(t *testing.T) {
	cs := newCounterSet()
	cs.inc(counterCreated)
	cs.inc(counterCreated)
	cs.inc(counterRequeued)

	first := cs.drain()
	if first.TasksCreated != 2 || first.TasksRequeued != 1 {
		t.Errorf("first drain = %+v", first)
	}

	second := cs.drain()
	if second.TasksCreated != 0 || second.TasksRequeued != 0 {
		t.Errorf("second drain should be empty: %+v", second)
	}
}
