package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/benwis/oso/internal/entities"
	"github.com/benwis/oso/internal/repositories"
	"github.com/benwis/oso/internal/services/loader"
)

// PolicyServiceInterface defines the interface for policy management operations
type PolicyServiceInterface interface {
	LoadString(source string) error
	LoadFiles(paths ...string) error
	ClearRules() error
	ActiveRuleBase() *entities.RuleBase
	WritePolicy(ctx context.Context, source string) error
	LoadFromStore(ctx context.Context) error
}

// PolicyService manages the live policy: it parses and validates YAML
// policy documents, activates them as immutable rule-base snapshots, and
// optionally round-trips revisions through a store. Loads accumulate;
// each activation mints a fresh generation, so decisions cached against an
// older snapshot can never leak across a reload.
type PolicyService struct {
	mu sync.RWMutex

	repo      repositories.PolicyRepository // nil when running without a store
	validator *loader.Validator

	defs    []*entities.RuleDefinition
	sources []string
	active  *entities.RuleBase

	onReload func(*entities.RuleBase)
}

// NewPolicyService creates a PolicyService. Either checker may be nil;
// repo may be nil when the engine runs from files alone.
func NewPolicyService(types loader.TypeChecker, constraints loader.ConstraintChecker, repo repositories.PolicyRepository) (*PolicyService, error) {
	empty, err := entities.NewRuleBase(uuid.NewString(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create empty rule base: %w", err)
	}
	return &PolicyService{
		repo:      repo,
		validator: loader.NewValidator(types, constraints),
		active:    empty,
	}, nil
}

// SetReloadHook registers a callback invoked after every activation, with
// the new snapshot. Used to reset caches and bump metrics.
func (s *PolicyService) SetReloadHook(hook func(*entities.RuleBase)) {
	s.mu.Lock()
	s.onReload = hook
	s.mu.Unlock()
}

// LoadString parses one policy document and adds its rules to the active
// set. The combined set is validated as a whole before activation; on any
// error the previous snapshot stays active.
func (s *PolicyService) LoadString(source string) error {
	defs, err := loader.Parse([]byte(source))
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activate(append(append([]*entities.RuleDefinition{}, s.defs...), defs...), append(append([]string{}, s.sources...), source))
}

// LoadFiles loads and accumulates one or more policy documents from disk.
func (s *PolicyService) LoadFiles(paths ...string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		if err := s.LoadString(string(data)); err != nil {
			return fmt.Errorf("policy file %s: %w", path, err)
		}
	}
	return nil
}

// ClearRules drops every loaded rule and activates an empty snapshot.
func (s *PolicyService) ClearRules() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activate(nil, nil)
}

// ActiveRuleBase returns the current snapshot. The snapshot is immutable;
// callers evaluate against it without further locking.
func (s *PolicyService) ActiveRuleBase() *entities.RuleBase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// WritePolicy validates source, persists it as a new revision, and
// activates it, replacing every previously loaded document.
func (s *PolicyService) WritePolicy(ctx context.Context, source string) error {
	if source == "" {
		return fmt.Errorf("%w: empty policy document", entities.ErrMalformedRule)
	}
	defs, err := loader.Parse([]byte(source))
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.activate(defs, []string{source}); err != nil {
		return err
	}

	if s.repo != nil {
		version := &entities.PolicyVersion{
			Generation: s.active.Generation(),
			Source:     source,
			CreatedAt:  s.active.CreatedAt(),
		}
		if err := s.repo.Save(ctx, version); err != nil {
			return fmt.Errorf("failed to persist policy revision: %w", err)
		}
	}
	return nil
}

// LoadFromStore activates the latest stored revision, replacing every
// previously loaded document. A missing revision leaves the current
// snapshot active.
func (s *PolicyService) LoadFromStore(ctx context.Context) error {
	if s.repo == nil {
		return fmt.Errorf("no policy store configured")
	}
	version, err := s.repo.Latest(ctx)
	if err == repositories.ErrPolicyNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load policy from store: %w", err)
	}

	defs, err := loader.Parse([]byte(version.Source))
	if err != nil {
		return fmt.Errorf("stored policy %s: %w", version.Generation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activate(defs, []string{version.Source})
}

// ReloadFile replaces the active policy with the document at path. Used by
// the file watcher; a broken document is reported and the previous
// snapshot stays active.
func (s *PolicyService) ReloadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	defs, err := loader.Parse(data)
	if err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activate(defs, []string{string(data)})
}

// WatchFile reloads the policy whenever the file at path is rewritten.
// The returned function stops the watcher.
func (s *PolicyService) WatchFile(path string) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which would
	// drop a watch set on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.ReloadFile(path); err != nil {
					log.Printf("policy reload: %v", err)
					continue
				}
				log.Printf("policy reloaded from %s (generation %s)", path, s.ActiveRuleBase().Generation())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("policy watcher: %v", err)
			}
		}
	}()

	return watcher.Close, nil
}

// Source returns the accumulated policy documents as one text, separated
// the way YAML streams separate documents.
func (s *PolicyService) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.Join(s.sources, "\n---\n")
}

// activate validates defs as a whole and swaps in a fresh snapshot.
// Callers hold the write lock.
func (s *PolicyService) activate(defs []*entities.RuleDefinition, sources []string) error {
	if err := s.validator.Validate(defs); err != nil {
		return err
	}
	rb, err := entities.NewRuleBase(uuid.NewString(), defs)
	if err != nil {
		return err
	}

	s.defs = defs
	s.sources = sources
	s.active = rb

	if s.onReload != nil {
		s.onReload(rb)
	}
	return nil
}
