package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteRequest stores req at path for the next executor process to pick up.
func WriteRequest(path string, req *StartRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding start request: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing start request: %w", err)
	}
	return os.Rename(tmp, path)
}

// ConsumeRequest reads and removes the request at path. A missing file
// yields a nil request: the process was restarted without one.
func ConsumeRequest(path string) (*StartRequest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading start request: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing start request: %w", err)
	}

	var req StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing start request %s: %w", path, err)
	}
	return &req, nil
}

// CommandFromRequest builds the start command an executor process delivers
// to itself. A nil request means a sticky restart.
func CommandFromRequest(req *StartRequest, startID int) StartCommand {
	cmd := StartCommand{Request: req, StartID: startID}
	if req == nil {
		cmd.Flags |= FlagRetry
	}
	return cmd
}
