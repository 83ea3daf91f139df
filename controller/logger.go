package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LogLine is one json-lines entry in an instance's log file. Control
// lines carry a step transition, data lines carry step output.
type LogLine struct {
	Kind     string `json:"kind"` // "data" or "control"
	Stream   string `json:"stream,omitempty"`
	Data     string `json:"data,omitempty"`
	StepIdx  int    `json:"step_idx"`
	StepName string `json:"step_name,omitempty"`
	Status   string `json:"status,omitempty"`
}

// InstanceLogger writes one json-lines file per job instance.
type InstanceLogger struct {
	file    *os.File
	encoder *json.Encoder
}

func NewInstanceLogger(baseDir, runId, instance string) (*InstanceLogger, error) {
	path := LogFilePath(baseDir, runId, instance)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &InstanceLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir, runId, instance string) string {
	// instance ids contain a slash (template/combination)
	flat := strings.ReplaceAll(instance, "/", "_")
	return filepath.Join(baseDir, runId, fmt.Sprintf("%s.log", flat))
}

func (l *InstanceLogger) Close() error {
	return l.file.Close()
}

// DataWriter adapts a step's output stream into log entries, one
// entry per write.
func (l *InstanceLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{logger: l, idx: idx, stream: stream}
}

// Control records a step status transition inline with its output.
func (l *InstanceLogger) Control(idx int, name, status string) {
	_ = l.encoder.Encode(LogLine{
		Kind:     "control",
		StepIdx:  idx,
		StepName: name,
		Status:   status,
	})
}

type dataWriter struct {
	logger *InstanceLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	err := w.logger.encoder.Encode(LogLine{
		Kind:    "data",
		Stream:  w.stream,
		Data:    line,
		StepIdx: w.idx,
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
