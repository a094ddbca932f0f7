package taskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

func (s *Store) iterationLogPath(projectID, taskID string, iteration int) string {
	return filepath.Join(s.logsDir, projectID, taskID, fmt.Sprintf("iteration-%d.log", iteration))
}

// AppendIterationLog appends text to the log of one task iteration.
// A trailing newline is added when missing.
func (s *Store) AppendIterationLog(projectID, taskID string, iteration int, text string) error {
	if s.logsDir == "" {
		return nil
	}
	path := s.iterationLogPath(projectID, taskID, iteration)

	s.logMu.Lock()
	defer s.logMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadIterationLog returns the full log of one iteration, empty if none was written
func (s *Store) ReadIterationLog(projectID, taskID string, iteration int) (string, error) {
	data, err := os.ReadFile(s.iterationLogPath(projectID, taskID, iteration))
	if os.IsNotExist(err) {
		return "", nil
	}
	return string(data), err
}

// ListIterations returns the iteration numbers that have a log, ascending
func (s *Store) ListIterations(projectID, taskID string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.logsDir, projectID, taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var iterations []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "iteration-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "iteration-"), ".log"))
		if err != nil {
			continue
		}
		iterations = append(iterations, n)
	}
	sort.Ints(iterations)
	return iterations, nil
}
