package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maine/set_news_watcher/internal/config"
)

// Store загружает и сохраняет множество просмотренных id.
type Store interface {
	Load(ctx context.Context) (*SeenSet, error)
	Save(ctx context.Context, seen *SeenSet) error
}

// ErrReadOnly возвращает Save хранилища, открытого через OpenReadOnly.
var ErrReadOnly = errors.New("state store is read-only")

// Open выбирает хранилище по настройке драйвера.
func Open(cfg config.State) (Store, error) {
	switch cfg.Driver {
	case "", config.StateDriverFile:
		return NewFileStore(cfg.Path), nil
	case config.StateDriverSQLite:
		return NewSQLiteStore(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

// OpenReadOnly открывает хранилище без записи на диск: повреждённое состояние
// читается как пустое и никуда не переносится, Save возвращает ErrReadOnly.
func OpenReadOnly(cfg config.State) (Store, error) {
	switch cfg.Driver {
	case "", config.StateDriverFile:
		return &FileStore{path: cfg.Path, readOnly: true}, nil
	case config.StateDriverSQLite:
		return &SQLiteStore{path: cfg.Path, readOnly: true}, nil
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

type seenState struct {
	SeenIDs []string `json:"seen_ids"`
}

// FileStore хранит состояние в JSON-файле вида {"seen_ids": [...]}.
type FileStore struct {
	path     string
	readOnly bool
}

// NewFileStore создаёт новый файловый стор.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path возвращает путь к файлу состояния.
func (s *FileStore) Path() string {
	return s.path
}

// Load читает состояние из файла. Отсутствующий файл даёт пустое множество.
func (s *FileStore) Load(ctx context.Context) (*SeenSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSeenSet(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st seenState
	if err := json.Unmarshal(data, &st); err != nil {
		// Повреждённый файл копируется в .broken, запуск продолжается с пустым состоянием
		if !s.readOnly {
			_ = os.WriteFile(s.path+".broken", data, 0644)
		}
		return NewSeenSet(), nil
	}

	return NewSeenSet(st.SeenIDs...), nil
}

// Save записывает состояние в файл атомарно (через временный файл).
func (s *FileStore) Save(ctx context.Context, seen *SeenSet) error {
	if s.readOnly {
		return ErrReadOnly
	}
	st := seenState{SeenIDs: seen.IDs()}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}

	// rename атомарен на большинстве файловых систем
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp state file: %w", err)
	}

	return nil
}
