// Package files manages per-task input and output files on local disk.
//
// Every file that belongs to a task is named "<task_id>_<name>" and lives in
// either the input or the output directory. Removal is best effort: failures
// are logged and never block the caller.
package files

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

// Config holds the two task directories.
type Config struct {
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`
}

// Dirs resolves task file paths.
type Dirs struct {
	input  string
	output string
}

// New creates the directories if missing.
func New(cfg Config) (*Dirs, error) {
	if cfg.InputDir == "" {
		cfg.InputDir = filepath.Join("data", "input")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join("data", "output")
	}
	for _, dir := range []string{cfg.InputDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("files: create %s: %w", dir, err)
		}
	}
	return &Dirs{input: cfg.InputDir, output: cfg.OutputDir}, nil
}

func prefix(id types.TaskID) string {
	return id.String() + "_"
}

// InputPath returns the path of a task input file.
func (d *Dirs) InputPath(id types.TaskID, name string) string {
	return filepath.Join(d.input, prefix(id)+filepath.Base(name))
}

// OutputPath returns the path of a task output file.
func (d *Dirs) OutputPath(id types.TaskID, name string) string {
	return filepath.Join(d.output, prefix(id)+filepath.Base(name))
}

// OutputDir returns the output directory.
func (d *Dirs) OutputDir() string {
	return d.output
}

// WriteInput stores one input file for the task.
func (d *Dirs) WriteInput(id types.TaskID, name string, data []byte) (string, error) {
	path := d.InputPath(id, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("files: write input for task %s: %w", id, err)
	}
	return path, nil
}

// WriteOutput stores one output file for the task.
func (d *Dirs) WriteOutput(id types.TaskID, name string, data []byte) (string, error) {
	path := d.OutputPath(id, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("files: write output for task %s: %w", id, err)
	}
	return path, nil
}

// Inputs lists the input files of a task.
func (d *Dirs) Inputs(id types.TaskID) []string {
	return list(d.input, prefix(id))
}

// Outputs lists the output files of a task.
func (d *Dirs) Outputs(id types.TaskID) []string {
	return list(d.output, prefix(id))
}

// RemoveInputs deletes every input file of the task.
func (d *Dirs) RemoveInputs(id types.TaskID) int {
	return remove(d.Inputs(id))
}

// RemoveOutputs deletes every output file of the task.
func (d *Dirs) RemoveOutputs(id types.TaskID) int {
	return remove(d.Outputs(id))
}

// RemoveTaskFiles deletes every input and output file of the task and returns
// how many were removed.
func (d *Dirs) RemoveTaskFiles(id types.TaskID) int {
	return remove(d.Inputs(id)) + remove(d.Outputs(id))
}

func list(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Failed to read task directory", "dir", dir, "error", err)
		}
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out
}

func remove(paths []string) int {
	n := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			if !os.IsNotExist(err) {
				log.Warn("Failed to remove task file", "path", p, "error", err)
			}
			continue
		}
		n++
	}
	return n
}
