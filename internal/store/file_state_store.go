package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/util"
)

// FileStateStoreConfig holds file state store configuration
type FileStateStoreConfig struct {
	Directory  string
	SyncWrites bool
	// MaxCheckpoints is the number of lines a checkpoint file may hold before it is compacted
	MaxCheckpoints int
}

// checkpoint is one line of a state file
type checkpoint struct {
	Domain  string    `json:"domain"`
	SavedAt time.Time `json:"saved_at"`
	State   []string  `json:"state"`
}

// FileStateStore appends one checksummed JSON line per checkpoint to a file
// per domain. Loading takes the last intact line, so a write torn by a crash
// falls back to the previous checkpoint.
type FileStateStore struct {
	config FileStateStoreConfig
	logger *zap.Logger

	mu    sync.Mutex
	files map[string]*stateFile
}

type stateFile struct {
	file  *os.File
	lines int
}

// NewFileStateStore creates the checkpoint directory if needed
func NewFileStateStore(cfg FileStateStoreConfig, logger *zap.Logger) (*FileStateStore, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 1000
	}
	return &FileStateStore{
		config: cfg,
		logger: logger,
		files:  make(map[string]*stateFile),
	}, nil
}

var domainFileReplacer = strings.NewReplacer("=", "_", ",", ".", "/", "_", " ", "", "\\", "_")

func (s *FileStateStore) path(domainID string) string {
	return filepath.Join(s.config.Directory, domainFileReplacer.Replace(model.NormalizeDN(domainID))+".state")
}

// LoadServerState returns the newest intact checkpoint of the domain
func (s *FileStateStore) LoadServerState(ctx context.Context, domainID string) (*model.ServerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, _, err := s.readLast(s.path(domainID))
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return model.NewServerState(), nil
	}
	state, err := model.DecodeServerState(cp.State)
	if err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("invalid server state in checkpoint of %s", domainID), err)
	}
	return state, nil
}

// readLast scans the file and returns the last intact checkpoint and the line count.
// A damaged line followed by intact ones is logged; a damaged last line is a torn write.
func (s *FileStateStore) readLast(path string) (*checkpoint, int, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errors.StateStoreFailed("failed to open state file", err)
	}
	defer file.Close()

	var (
		last     *checkpoint
		lines    int
		damaged  int
		tornTail bool
		reader   = bufio.NewReader(file)
	)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lines++
			var cp checkpoint
			payload, ok := util.ParseLine(line)
			if ok && json.Unmarshal(payload, &cp) == nil {
				last = &cp
				tornTail = false
			} else {
				damaged++
				tornTail = true
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, errors.StateStoreFailed("failed to read state file", err)
		}
	}

	if tornTail {
		damaged--
		s.logger.Warn("Ignoring torn checkpoint at end of state file", zap.String("path", path))
	}
	if damaged > 0 {
		s.logger.Warn("Skipped damaged checkpoints", zap.String("path", path), zap.Int("count", damaged))
		if last == nil {
			return nil, lines, errors.CorruptedData(fmt.Sprintf("no intact checkpoint in %s", path), nil)
		}
	}
	return last, lines, nil
}

// SaveServerState appends a checkpoint, compacting the file once it holds MaxCheckpoints lines
func (s *FileStateStore) SaveServerState(ctx context.Context, domainID string, state *model.ServerState) error {
	payload, err := json.Marshal(checkpoint{
		Domain:  domainID,
		SavedAt: time.Now().UTC(),
		State:   state.Encode(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	line := util.FrameLine(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(domainID)
	sf, err := s.open(path)
	if err != nil {
		return err
	}

	if sf.lines >= s.config.MaxCheckpoints {
		return s.compact(path, sf, line)
	}

	if _, err := sf.file.Write(line); err != nil {
		return errors.StateStoreFailed("failed to write checkpoint", err)
	}
	if s.config.SyncWrites {
		if err := sf.file.Sync(); err != nil {
			return errors.StateStoreFailed("failed to sync checkpoint", err)
		}
	}
	sf.lines++
	return nil
}

func (s *FileStateStore) open(path string) (*stateFile, error) {
	if sf, ok := s.files[path]; ok {
		return sf, nil
	}

	_, lines, err := s.readLast(path)
	if errors.GetCode(err) == errors.ErrCodeStateStoreFailed {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.StateStoreFailed("failed to open state file", err)
	}
	if err := terminateTornLine(file); err != nil {
		file.Close()
		return nil, err
	}

	sf := &stateFile{file: file, lines: lines}
	s.files[path] = sf
	return sf, nil
}

// terminateTornLine makes sure the next append starts on a fresh line
func terminateTornLine(file *os.File) error {
	info, err := file.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	r, err := os.Open(file.Name())
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if !bytes.Equal(last, []byte{'\n'}) {
		_, err = file.Write([]byte{'\n'})
	}
	return err
}

// compact replaces the file with one holding only line
func (s *FileStateStore) compact(path string, sf *stateFile, line []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, line, 0644); err != nil {
		return errors.StateStoreFailed("failed to write compacted state file", err)
	}
	if s.config.SyncWrites {
		if f, err := os.Open(tmp); err == nil {
			f.Sync()
			f.Close()
		}
	}

	sf.file.Close()
	delete(s.files, path)
	if err := os.Rename(tmp, path); err != nil {
		return errors.StateStoreFailed("failed to replace state file", err)
	}

	s.logger.Info("Compacted state file", zap.String("path", path), zap.Int("checkpoints", sf.lines))
	_, err := s.open(path)
	return err
}

// Close closes the open checkpoint files
func (s *FileStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, sf := range s.files {
		if err := sf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, path)
	}
	return firstErr
}
