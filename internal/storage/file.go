// Package storage persists the relay's envelope log and materialized state.
//
// Two backends share one contract: FileStore keeps a newline-delimited log
// plus JSON documents that can be inspected by hand, and DB keeps the same
// data in SQLite.
package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
)

// File names inside a FileStore directory.
const (
	EventLogFile = "events.ndjson"
	AgentsFile   = "agents.json"
	TasksFile    = "tasks.json"
)

// FileStore is the default persistence backend.
type FileStore struct {
	mu          sync.Mutex
	dir         string
	log         *os.File
	logSize     int64
	maxLogBytes int64
}

// NewFileStore opens (or creates) a store in dir. When maxLogBytes is
// positive the event log is rotated into a zstd-compressed archive once it
// grows past that size.
func NewFileStore(dir string, maxLogBytes int64) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	fs := &FileStore{dir: dir, maxLogBytes: maxLogBytes}
	if err := fs.openLog(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) openLog() error {
	f, err := os.OpenFile(filepath.Join(fs.dir, EventLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat event log: %w", err)
	}
	added, err := terminateLastLine(f, info.Size())
	if err != nil {
		f.Close()
		return fmt.Errorf("repair event log: %w", err)
	}
	fs.log = f
	fs.logSize = info.Size() + added
	return nil
}

// terminateLastLine appends a newline to a log whose last line was cut
// short, so the next append starts a line of its own.
func terminateLastLine(f *os.File, size int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}
	r, err := os.Open(f.Name())
	if err != nil {
		return 0, err
	}
	defer r.Close()
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		return 0, nil
	}
	n, err := f.Write([]byte{'\n'})
	return int64(n), err
}

// Dir returns the store directory.
func (fs *FileStore) Dir() string { return fs.dir }

// Append writes env as one line of the event log.
func (fs *FileStore) Append(env *envelope.Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.log == nil {
		return errors.New("append event: store closed")
	}
	n, err := fs.log.Write(line)
	fs.logSize += int64(n)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if fs.maxLogBytes > 0 && fs.logSize >= fs.maxLogBytes {
		if err := fs.rotate(); err != nil {
			return fmt.Errorf("rotate event log: %w", err)
		}
	}
	return nil
}

// rotate compresses the current log into events-<unix>.ndjson.zst and starts
// a new one. Caller holds fs.mu.
func (fs *FileStore) rotate() error {
	current := filepath.Join(fs.dir, EventLogFile)
	if err := fs.log.Close(); err != nil {
		return err
	}
	fs.log = nil

	archive := filepath.Join(fs.dir, "events-"+strconv.FormatInt(time.Now().UnixNano(), 10)+".ndjson.zst")
	if err := compressFile(current, archive); err != nil {
		// Keep appending to the uncompressed log rather than losing events.
		if openErr := fs.openLog(); openErr != nil {
			return errors.Join(err, openErr)
		}
		return err
	}
	if err := os.Remove(current); err != nil {
		return err
	}
	return fs.openLog()
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadArchive decompresses a rotated log archive and returns its envelopes.
func ReadArchive(path string) ([]envelope.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer dec.Close()
	return readLog(dec)
}

// ReadLog returns the envelopes in the current, uncompressed event log.
func (fs *FileStore) ReadLog() ([]envelope.Envelope, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, err := os.Open(filepath.Join(fs.dir, EventLogFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLog(f)
}

// RecentEvents returns up to limit of the most recent envelopes in the
// current log, oldest first. Rotated archives are not consulted.
func (fs *FileStore) RecentEvents(limit int) ([]envelope.Envelope, error) {
	events, err := fs.ReadLog()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// readLog decodes one envelope per line. Lines that do not decode, such as
// one cut short by a crash mid-append, are skipped.
func readLog(r io.Reader) ([]envelope.Envelope, error) {
	br := bufio.NewReader(r)
	var out []envelope.Envelope
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var env envelope.Envelope
			if json.Unmarshal(line, &env) == nil {
				out = append(out, env)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read event log: %w", err)
		}
	}
}

// SaveAgents rewrites the agents document.
func (fs *FileStore) SaveAgents(agents []envelope.AgentRecord) error {
	if agents == nil {
		agents = []envelope.AgentRecord{}
	}
	return fs.writeDoc(AgentsFile, agents)
}

// SaveTasks rewrites the tasks document.
func (fs *FileStore) SaveTasks(tasks []envelope.TaskRecord) error {
	if tasks == nil {
		tasks = []envelope.TaskRecord{}
	}
	return fs.writeDoc(TasksFile, tasks)
}

// writeDoc replaces name atomically so a crash mid-write never leaves a
// truncated document behind.
func (fs *FileStore) writeDoc(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(fs.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(fs.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// Load reads the materialized documents. Missing documents are empty.
func (fs *FileStore) Load() ([]envelope.AgentRecord, []envelope.TaskRecord, error) {
	var agents []envelope.AgentRecord
	if err := fs.readDoc(AgentsFile, &agents); err != nil {
		return nil, nil, err
	}
	var tasks []envelope.TaskRecord
	if err := fs.readDoc(TasksFile, &tasks); err != nil {
		return nil, nil, err
	}
	return agents, tasks, nil
}

func (fs *FileStore) readDoc(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(fs.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Close closes the event log.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.log == nil {
		return nil
	}
	err := fs.log.Close()
	fs.log = nil
	return err
}
