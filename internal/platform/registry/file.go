package registry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type usersFile struct {
	Users []struct {
		Email  string `yaml:"email"`
		Name   string `yaml:"name"`
		Role   string `yaml:"role"`
		Team   string `yaml:"team"`
		Active *bool  `yaml:"active"`
	} `yaml:"users"`
}

// ParseUsers decodes a users document. validRole may be nil to skip role
// checks. A missing active flag means active.
func ParseUsers(raw []byte, validRole func(string) bool) ([]User, error) {
	var f usersFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Users))
	out := make([]User, 0, len(f.Users))
	for i, fu := range f.Users {
		email := NormalizeEmail(fu.Email)
		if !ValidEmail(email) {
			return nil, fmt.Errorf("user %d: invalid email %q", i, fu.Email)
		}
		if _, dup := seen[email]; dup {
			return nil, fmt.Errorf("user %d: duplicate email %q", i, email)
		}
		seen[email] = struct{}{}
		if validRole != nil && !validRole(fu.Role) {
			return nil, fmt.Errorf("user %s: unknown role %q", email, fu.Role)
		}
		active := true
		if fu.Active != nil {
			active = *fu.Active
		}
		out = append(out, User{Email: email, Name: fu.Name, Role: fu.Role, Team: fu.Team, Active: active})
	}
	return out, nil
}

func LoadUsersFile(path string, validRole func(string) bool) ([]User, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return ParseUsers(raw, validRole)
}

// FileWatcher keeps an InMemoryStore in sync with a users file. A reload that
// fails validation keeps the previous user set. The file is the source of
// truth, so the watched store is read-only.
type FileWatcher struct {
	Path      string
	Store     *InMemoryStore
	ValidRole func(string) bool
	Logger    *slog.Logger
	Debounce  time.Duration
	// OnReload, when set, is called after every debounced reload attempt.
	OnReload func(error)

	mu sync.Mutex
}

func NewFileWatcher(path string, store *InMemoryStore, validRole func(string) bool, logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	store.SetReadOnly(true)
	return &FileWatcher{
		Path:      filepath.Clean(path),
		Store:     store,
		ValidRole: validRole,
		Logger:    logger,
		Debounce:  500 * time.Millisecond,
	}
}

func (w *FileWatcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	users, err := LoadUsersFile(w.Path, w.ValidRole)
	if err != nil {
		return err
	}
	w.Store.Replace(users)
	return nil
}

// Run watches the file's directory so editors that replace the file by rename
// are still picked up. Blocks until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create users file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.Path)); err != nil {
		return fmt.Errorf("watch %q: %w", w.Path, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.Path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.Debounce, func() {
				err := w.Reload()
				if w.OnReload != nil {
					w.OnReload(err)
				}
				if err != nil {
					w.Logger.Error("registry: users reload failed",
						slog.String("path", w.Path),
						slog.String("error", err.Error()))
					return
				}
				w.Logger.Info("registry: users reloaded", slog.String("path", w.Path))
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("registry: users watcher error", slog.String("error", err.Error()))
		}
	}
}
