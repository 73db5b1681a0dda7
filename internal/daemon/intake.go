package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/havenline/dispatch/internal/model"
	yamlutil "github.com/havenline/dispatch/internal/yaml"
)

const defaultIntakeDebounceSec = 1.0

// IntakeHandler consumes escalation request files from the intake/
// drop directory. The risk-detection collaborator writes one YAML file
// per escalation; fsnotify picks it up immediately and the periodic
// scan is the backstop for events lost while the daemon was down.
type IntakeHandler struct {
	workDir     string
	config      model.Config
	coordinator *Coordinator
	logger      *log.Logger
	logLevel    LogLevel
}

func NewIntakeHandler(workDir string, cfg model.Config, c *Coordinator, logger *log.Logger, logLevel LogLevel) *IntakeHandler {
	return &IntakeHandler{
		workDir:     workDir,
		config:      cfg,
		coordinator: c,
		logger:      logger,
		logLevel:    logLevel,
	}
}

func (h *IntakeHandler) dir() string {
	return filepath.Join(h.workDir, "intake")
}

// HandleFileEvent processes one fsnotify event from the intake dir.
func (h *IntakeHandler) HandleFileEvent(path string) {
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		return
	}
	h.processFile(path)
}

// Scan sweeps the whole intake directory.
func (h *IntakeHandler) Scan() {
	entries, err := os.ReadDir(h.dir())
	if err != nil {
		if !os.IsNotExist(err) {
			h.log(LogLevelWarn, "intake_scan error=%v", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		h.processFile(filepath.Join(h.dir(), name))
	}
}

func (h *IntakeHandler) processFile(path string) {
	var req model.IntakeRequest
	if err := yamlutil.ReadInto(path, &req); err != nil {
		if os.IsNotExist(err) {
			return // consumed by an earlier event
		}
		h.rejectFile(path, fmt.Sprintf("unparseable request: %v", err))
		return
	}

	if verr := validateIntake(&req); verr != "" {
		h.rejectFile(path, verr)
		return
	}

	task, err := h.coordinator.Create(req)
	if err != nil {
		// A duplicate means the escalation already exists; the file has
		// served its purpose either way.
		h.log(LogLevelWarn, "intake_create_failed file=%s error=%v", filepath.Base(path), err)
		_ = os.Remove(path)
		return
	}

	_ = os.Remove(path)
	h.log(LogLevelInfo, "intake_accepted file=%s task=%s risk=%s",
		filepath.Base(path), task.ID, task.RiskLevel)
}

// rejectFile quarantines a bad request unless it is younger than the
// debounce window: a writer may still be mid-flight, and the next
// scan will retry it.
func (h *IntakeHandler) rejectFile(path, reason string) {
	debounce := h.config.Intake.DebounceSec
	if debounce <= 0 {
		debounce = defaultIntakeDebounceSec
	}
	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()).Seconds() < debounce {
			h.log(LogLevelDebug, "intake_defer file=%s (within debounce)", filepath.Base(path))
			return
		}
	}

	dst, err := yamlutil.Quarantine(path, reason)
	if err != nil {
		h.log(LogLevelError, "intake_quarantine_failed file=%s error=%v", filepath.Base(path), err)
		return
	}
	h.coordinator.counters.inc(counterQuarantined)
	h.log(LogLevelWarn, "intake_quarantined file=%s dst=%s reason=%q", filepath.Base(path), dst, reason)
}

func validateIntake(req *model.IntakeRequest) string {
	if req.ExternalSessionID == "" {
		return "external_session_id is required"
	}
	if !req.SessionType.IsValid() {
		return fmt.Sprintf("invalid session_type: %q", req.SessionType)
	}
	if !req.RiskLevel.IsValid() {
		return fmt.Sprintf("invalid risk_level: %q", req.RiskLevel)
	}
	return ""
}

func (h *IntakeHandler) log(level LogLevel, format string, args ...any) {
	if level < h.logLevel || h.logger == nil {
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
	h.logger.Printf("%s %s intake: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
