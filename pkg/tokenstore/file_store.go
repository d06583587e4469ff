package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore persists tokens as a JSON document so separate processes share one session.
// Writes are atomic (temp file + rename); Watch reports writes made by other instances.
type FileStore struct {
	path       string
	instanceID string
	logger     *zap.Logger
	now        func() time.Time

	mutex sync.Mutex
}

type fileDocument struct {
	Writer   string           `json:"writer"`
	Revision int64            `json:"revision"`
	Tokens   map[string]entry `json:"tokens"`
}

// NewFileStore opens (or lazily creates) the document at path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("tokenstore.file.empty_path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("tokenstore.file.path: %w", err)
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(absolute), 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("tokenstore.file.mkdir: %w", mkdirErr)
	}
	return &FileStore{
		path:       absolute,
		instanceID: uuid.NewString(),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// InstanceID identifies this store instance as a writer.
func (store *FileStore) InstanceID() string {
	return store.instanceID
}

// Path returns the absolute document path.
func (store *FileStore) Path() string {
	return store.path
}

// SetCookies implements http.CookieJar.
func (store *FileStore) SetCookies(target *url.URL, cookies []*http.Cookie) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	document, err := store.load()
	if err != nil {
		store.logger.Error("token file unreadable", zap.String("code", "tokenstore.file.load_failed"), zap.Error(err))
		return
	}
	if changed := applyCookies(document.Tokens, cookies, store.now()); len(changed) == 0 {
		return
	}
	if saveErr := store.save(document); saveErr != nil {
		store.logger.Error("token file write failed", zap.String("code", "tokenstore.file.save_failed"), zap.Error(saveErr))
	}
}

// Cookies implements http.CookieJar.
func (store *FileStore) Cookies(target *url.URL) []*http.Cookie {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	document, err := store.load()
	if err != nil {
		store.logger.Error("token file unreadable", zap.String("code", "tokenstore.file.load_failed"), zap.Error(err))
		return nil
	}
	return liveCookies(document.Tokens, store.now())
}

// Get returns the named token when present and unexpired.
func (store *FileStore) Get(name string) (string, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	document, err := store.load()
	if err != nil {
		store.logger.Error("token file unreadable", zap.String("code", "tokenstore.file.load_failed"), zap.Error(err))
		return "", false
	}
	value, ok := document.Tokens[name]
	if !ok || !value.live(store.now()) {
		return "", false
	}
	return value.Value, true
}

// Delete removes the named token.
func (store *FileStore) Delete(name string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	document, err := store.load()
	if err != nil {
		return fmt.Errorf("tokenstore.file.delete: %w", err)
	}
	if _, ok := document.Tokens[name]; !ok {
		return nil
	}
	delete(document.Tokens, name)
	if saveErr := store.save(document); saveErr != nil {
		return fmt.Errorf("tokenstore.file.delete: %w", saveErr)
	}
	return nil
}

// Watch reports changes written by other instances until ctx is done.
func (store *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tokenstore.file.watch: %w", err)
	}
	if addErr := watcher.Add(filepath.Dir(store.path)); addErr != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("tokenstore.file.watch: %w", addErr)
	}

	store.mutex.Lock()
	initial, loadErr := store.load()
	store.mutex.Unlock()
	if loadErr != nil {
		initial = fileDocument{Tokens: map[string]entry{}}
	}

	changes := make(chan Change, 8)
	go func() {
		defer close(changes)
		defer func() { _ = watcher.Close() }()
		seen := initial.Tokens
		for {
			select {
			case <-ctx.Done():
				return
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				store.logger.Warn("token file watch error", zap.String("code", "tokenstore.file.watch_error"), zap.Error(watchErr))
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != store.path {
					continue
				}
				store.mutex.Lock()
				current, currentErr := store.load()
				store.mutex.Unlock()
				if currentErr != nil {
					store.logger.Warn("token file reload failed", zap.String("code", "tokenstore.file.reload_failed"), zap.Error(currentErr))
					continue
				}
				names := diffEntries(seen, current.Tokens)
				seen = current.Tokens
				if len(names) == 0 || current.Writer == store.instanceID {
					continue
				}
				select {
				case changes <- Change{Names: names, Origin: current.Writer}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return changes, nil
}

func (store *FileStore) load() (fileDocument, error) {
	document := fileDocument{Tokens: map[string]entry{}}
	data, err := os.ReadFile(store.path)
	if errors.Is(err, os.ErrNotExist) {
		return document, nil
	}
	if err != nil {
		return document, err
	}
	if len(data) == 0 {
		return document, nil
	}
	if unmarshalErr := json.Unmarshal(data, &document); unmarshalErr != nil {
		return fileDocument{Tokens: map[string]entry{}}, unmarshalErr
	}
	if document.Tokens == nil {
		document.Tokens = map[string]entry{}
	}
	return document, nil
}

func (store *FileStore) save(document fileDocument) error {
	document.Writer = store.instanceID
	document.Revision++
	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return err
	}
	temporary, err := os.CreateTemp(filepath.Dir(store.path), ".tokens-*")
	if err != nil {
		return err
	}
	temporaryName := temporary.Name()
	if _, writeErr := temporary.Write(data); writeErr != nil {
		_ = temporary.Close()
		_ = os.Remove(temporaryName)
		return writeErr
	}
	if closeErr := temporary.Close(); closeErr != nil {
		_ = os.Remove(temporaryName)
		return closeErr
	}
	if chmodErr := os.Chmod(temporaryName, 0o600); chmodErr != nil {
		_ = os.Remove(temporaryName)
		return chmodErr
	}
	return os.Rename(temporaryName, store.path)
}
