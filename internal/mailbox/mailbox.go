// Package mailbox implements the directory of update files that carries status reports from
// batch jobs back to the orchestrator.
//
// Each update is one file named {timestamp}.{run_name}.{proc_type}, holding the JSON encoded
// store.TaskUpdate. Files are written to a hidden temporary name first and renamed into place,
// so a reader never sees a partial file.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"
)

// timestampLayout is fixed width so lexical order of file names is chronological order.
const timestampLayout = "20060102T150405"

// File is one update file found by Snapshot.
type File struct {
	Name     string
	Path     string
	Identity store.Identity
}

// ParseError reports an update file that could not be decoded.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed update file %s: %v", e.Name, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FileName builds the file name of an update written at t.
func FileName(t time.Time, runName string, proc workflow.ProcessType) string {
	t = t.UTC()
	return fmt.Sprintf("%s%09d.%s.%s", t.Format(timestampLayout), t.Nanosecond(), runName, proc)
}

// parseName splits a file name into its identity. The run name may itself contain dots.
func parseName(name string) (store.Identity, error) {
	first := strings.IndexByte(name, '.')
	last := strings.LastIndexByte(name, '.')
	if first <= 0 || last <= first+1 || last == len(name)-1 {
		return store.Identity{}, fmt.Errorf("file name %q is not {timestamp}.{run_name}.{proc_type}", name)
	}
	proc, err := workflow.ParseProcessType(name[last+1:])
	if err != nil {
		return store.Identity{}, err
	}
	return store.Identity{RunName: name[first+1 : last], ProcType: proc}, nil
}

// Write stores u as a new update file in dir and returns its path.
func Write(dir string, u store.TaskUpdate) (string, error) {
	if u.RunName == "" || strings.ContainsAny(u.RunName, `/\`) {
		return "", fmt.Errorf("invalid run name %q", u.RunName)
	}
	if !u.ProcType.Valid() {
		return "", fmt.Errorf("invalid proc_type %d", int(u.ProcType))
	}

	body, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to encode update: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".update-*")
	if err != nil {
		return "", fmt.Errorf("failed to create update file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write update file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync update file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close update file: %w", err)
	}

	// Names only collide if two updates of one identity land in the same nanosecond.
	t := time.Now()
	for {
		path := filepath.Join(dir, FileName(t, u.RunName, u.ProcType))
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			if err := os.Rename(tmpPath, path); err != nil {
				os.Remove(tmpPath)
				return "", fmt.Errorf("failed to publish update file: %w", err)
			}
			return path, nil
		}
		t = t.Add(time.Nanosecond)
	}
}

// Snapshot lists the update files in dir once, oldest first. Hidden and unrecognised files are
// left out.
func Snapshot(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailbox %s: %w", dir, err)
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		id, err := parseName(name)
		if err != nil {
			continue
		}
		files = append(files, File{Name: name, Path: filepath.Join(dir, name), Identity: id})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Parse reads and decodes an update file. Decoding problems are returned as *ParseError.
func Parse(f File) (store.TaskUpdate, error) {
	var u store.TaskUpdate
	body, err := os.ReadFile(f.Path)
	if err != nil {
		return u, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return u, &ParseError{Name: f.Name, Err: err}
	}
	if u.RunName != f.Identity.RunName || u.ProcType != f.Identity.ProcType {
		return u, &ParseError{Name: f.Name, Err: fmt.Errorf("body names %s/%s", u.RunName, u.ProcType)}
	}
	if err := validate(u); err != nil {
		return u, &ParseError{Name: f.Name, Err: err}
	}
	return u, nil
}

func validate(u store.TaskUpdate) error {
	if !u.Status.Valid() || u.Status == workflow.StatusCreated {
		return fmt.Errorf("invalid status %d", int(u.Status))
	}
	if u.JobID == nil {
		return errors.New("update without job_id")
	}
	return nil
}

// Remove deletes consumed files. Files already gone are not an error.
func Remove(files []File) error {
	var errs []error
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PendingIdentities returns the identities that have an update waiting in dir.
func PendingIdentities(dir string) (map[store.Identity]bool, error) {
	files, err := Snapshot(dir)
	if err != nil {
		return nil, err
	}
	pending := make(map[store.Identity]bool, len(files))
	for _, f := range files {
		pending[f.Identity] = true
	}
	return pending, nil
}
