package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wingetstudio/oplife/pkg/operation"
)

// File is the document format of a policy-set file:
//
//	policy_sets:
//	  - name: installs
//	    policies:
//	      - type: auto-start-broadcast
//	        kind: start
//	      - type: auto-start
//	      - type: auto-complete
//	        severity: success
//	      - type: snapshot-retention
//	        status: completed
//	        severity: success
//	        retention: 3s
type File struct {
	PolicySets []SetSpec `yaml:"policy_sets" validate:"required,min=1,dive"`
}

// SetSpec describes one named policy set.
type SetSpec struct {
	Name        string       `yaml:"name" validate:"required"`
	Description string       `yaml:"description"`
	Policies    []PolicySpec `yaml:"policies" validate:"required,min=1,dive"`
}

// PolicySpec describes one policy of a set.
type PolicySpec struct {
	// Type is the built-in policy to instantiate.
	Type string `yaml:"type" validate:"required,oneof=auto-start auto-complete auto-start-broadcast auto-stop-broadcast broadcast-on-start snapshot-retention"`

	// Name overrides the policy name; only used with Condition.
	Name string `yaml:"name"`

	// Kind selects the checkpoint of auto-start-broadcast (default completion).
	Kind string `yaml:"kind" validate:"omitempty,oneof=start completion"`

	// Status is the status matched by snapshot-retention.
	Status string `yaml:"status" validate:"required_if=Type snapshot-retention,omitempty,oneof=not_started running completed canceled"`

	// Severity is the severity set by auto-complete or matched by
	// snapshot-retention.
	Severity string `yaml:"severity" validate:"required_if=Type snapshot-retention,omitempty,oneof=info warning error success"`

	// Retention is the snapshot-retention delay, e.g. "3s".
	Retention time.Duration `yaml:"retention" validate:"required_if=Type snapshot-retention"`

	// Condition is an optional Rego module guarding the policy.
	Condition string `yaml:"condition"`
}

var specValidator = validator.New()

// ParseFile decodes and validates a policy-set document.
func ParseFile(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := specValidator.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid policy file: %w", err)
	}
	return &file, nil
}

// BuildPolicy instantiates the policy described by spec.
func BuildPolicy(ctx context.Context, spec PolicySpec, logger zerolog.Logger) (Policy, error) {
	var p Policy

	switch spec.Type {
	case NameAutoStart:
		p = NewAutoStartPolicy()
	case NameAutoComplete:
		if spec.Severity == "" {
			p = NewAutoCompletePolicy(nil)
			break
		}
		sev, err := operation.ParseSeverity(spec.Severity)
		if err != nil {
			return nil, err
		}
		p = CompleteWith(sev)
	case NameAutoStartBroadcast:
		if spec.Kind == string(KindStart) {
			p = NewBroadcastOnStartPolicy()
		} else {
			p = NewAutoStartSnapshotBroadcastPolicy()
		}
	case NameBroadcastOnStart:
		p = NewBroadcastOnStartPolicy()
	case NameAutoStopBroadcast:
		p = NewAutoStopSnapshotBroadcastPolicy()
	case NameSnapshotRetention:
		status, err := operation.ParseStatus(spec.Status)
		if err != nil {
			return nil, err
		}
		sev, err := operation.ParseSeverity(spec.Severity)
		if err != nil {
			return nil, err
		}
		p = NewSnapshotRetentionPolicy(status, sev, spec.Retention)
	default:
		return nil, fmt.Errorf("unknown policy type: %s", spec.Type)
	}

	if spec.Kind != "" && Kind(spec.Kind) != p.Kind() {
		return nil, fmt.Errorf("policy %s cannot run at the %s checkpoint", spec.Type, spec.Kind)
	}

	if spec.Condition != "" {
		return NewRegoPolicy(ctx, spec.Name, spec.Condition, p, logger)
	}
	return p, nil
}

// Loader reads policy-set files and can watch them for changes.
type Loader struct {
	logger      zerolog.Logger
	cache       map[string]*File
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	reloadDelay time.Duration
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string]*File),
		reloadDelay: 500 * time.Millisecond,
	}
}

// LoadFromPaths loads every policy set from a list of files or directories.
// A set name defined twice is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) (map[string]ExecutionOptions, error) {
	sets := make(map[string]ExecutionOptions)

	for _, path := range paths {
		files, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}

		for _, file := range files {
			for _, spec := range file.PolicySets {
				if _, dup := sets[spec.Name]; dup {
					return nil, fmt.Errorf("policy set %q defined more than once", spec.Name)
				}
				opts, err := l.Build(ctx, spec)
				if err != nil {
					return nil, err
				}
				sets[spec.Name] = opts
			}
		}
	}

	l.logger.Info().
		Int("sets", len(sets)).
		Int("sources", len(paths)).
		Msg("Policy sets loaded from paths")

	return sets, nil
}

// Build instantiates the policies of one set.
func (l *Loader) Build(ctx context.Context, spec SetSpec) (ExecutionOptions, error) {
	policies := make([]Policy, 0, len(spec.Policies))
	for i, ps := range spec.Policies {
		p, err := BuildPolicy(ctx, ps, l.logger)
		if err != nil {
			return ExecutionOptions{}, fmt.Errorf("policy set %q, policy #%d: %w", spec.Name, i, err)
		}
		policies = append(policies, p)
	}
	return NewExecutionOptions(policies...), nil
}

func (l *Loader) loadFromPath(path string) ([]*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(path)
	}

	file, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []*File{file}, nil
}

// loadFromDirectory loads all YAML files below dirPath. Files that fail to
// parse are logged and skipped.
func (l *Loader) loadFromDirectory(dirPath string) ([]*File, error) {
	var files []*File

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		file, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}

		files = append(files, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}

func (l *Loader) loadFromFile(filePath string) (*File, error) {
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	file, err := ParseFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}

	l.mu.Lock()
	l.cache[filePath] = file
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Int("sets", len(file.PolicySets)).
		Msg("Policy file loaded")

	return file, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// Watch starts watching paths and calls reloadFn with the freshly loaded
// sets after a change settles. It returns once the watcher is running; the
// watch ends when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func(map[string]ExecutionOptions) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := l.watchDirectory(watcher, path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
			continue
		}
		// Watch the parent so editors that replace the file are still seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

func (l *Loader) watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func(map[string]ExecutionOptions) error) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func(map[string]ExecutionOptions) error) error {
	l.logger.Info().Msg("Reloading policy sets")

	sets, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	if err := reloadFn(sets); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// ClearCache clears the parsed-file cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*File)
	l.logger.Debug().Msg("Policy cache cleared")
}
