// Package service sits between the transports and the repository. It keeps
// a project-scoped in-memory flag cache, validates definitions on write and
// runs evaluations through the rule engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matt-riley/switchgate/internal/core"
	"github.com/matt-riley/switchgate/internal/logging"
	"github.com/matt-riley/switchgate/internal/repository"
	"github.com/matt-riley/switchgate/internal/tracing"
)

const (
	EventTypeUpdated           = "updated"
	EventTypeDeleted           = "deleted"
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrFlagNotFound       = errors.New("flag not found")
	ErrInvalidRules       = errors.New("invalid rules")
	ErrProjectIDRequired  = errors.New("project id is required")
	ErrFlagKeyRequired    = errors.New("flag key is required")
	ErrReadOnly           = errors.New("flag store is read-only")
	errRepositoryRequired = errors.New("repository is nil")
)

type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, projectID, key string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, projectID, key string) error
	ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]repository.FlagEvent, error)
	PublishFlagEvent(ctx context.Context, event repository.FlagEvent) (repository.FlagEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// EvaluationRecorder observes every completed evaluation.
type EvaluationRecorder interface {
	RecordEvaluation(resp core.EvaluateResponse, mode core.Mode)
}

// EvaluateRequest identifies a flag and the context to evaluate it against.
// A nil Mode uses the service default.
type EvaluateRequest struct {
	ProjectID     string
	Key           string
	Context       core.EvaluationContext
	CorrelationID string
	Mode          *core.Mode
}

// EvaluateResult is one entry of a batch evaluation. Exactly one of the
// embedded response and Error is set.
type EvaluateResult struct {
	Key string `json:"key"`
	*core.EvaluateResponse
	Error string `json:"error,omitempty"`
}

type Option func(*Service)

// WithLogger sets the logger used for cache maintenance and condition
// traces. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCacheMetrics registers cache callbacks. On every load onLoad runs
// first, then onReset, then onUpdate once per project.
func WithCacheMetrics(onLoad, onInvalidation, onReset func(), onUpdate func(projectID string, size float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheReset = onReset
		s.onCacheUpdate = onUpdate
	}
}

func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

func WithEvaluationRecorder(recorder EvaluationRecorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// WithDefaultMode sets the evaluation mode used when a request names none.
// Defaults to [core.ModeFull].
func WithDefaultMode(mode core.Mode) Option {
	return func(s *Service) { s.defaultMode = mode }
}

// WithEvaluator replaces the rule engine. Without it the service builds one
// that logs debug condition traces through its logger.
func WithEvaluator(evaluator *core.Evaluator) Option {
	return func(s *Service) { s.evaluator = evaluator }
}

type Service struct {
	repo           Repository
	logger         *slog.Logger
	evaluator      *core.Evaluator
	recorder       EvaluationRecorder
	defaultMode    core.Mode
	resyncInterval time.Duration

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheReset        func()
	onCacheUpdate       func(projectID string, size float64)

	mu    sync.RWMutex
	cache map[string]map[string]repository.Flag
}

// New builds a service and loads the cache eagerly. When repo supports
// invalidation subscriptions a background listener keeps the cache fresh
// until ctx is done.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errRepositoryRequired
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		defaultMode:    core.ModeFull,
		resyncInterval: defaultCacheResyncInterval,
		cache:          make(map[string]map[string]repository.Flag),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.evaluator == nil {
		svc.evaluator = core.NewEvaluator(core.WithDebugHook(logging.ConditionTraceHook(svc.logger)))
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (s *Service) LoadCache(ctx context.Context) error {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}

	next := make(map[string]map[string]repository.Flag)
	for _, flag := range flags {
		projectFlags, ok := next[flag.ProjectID]
		if !ok {
			projectFlags = make(map[string]repository.Flag)
			next[flag.ProjectID] = projectFlags
		}
		projectFlags[flag.Key] = flag
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.onCacheReset != nil {
		s.onCacheReset()
	}
	if s.onCacheUpdate != nil {
		for projectID, projectFlags := range next {
			s.onCacheUpdate(projectID, float64(len(projectFlags)))
		}
	}

	return nil
}

func (s *Service) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if err := validateFlagIdentity(flag.ProjectID, flag.Key); err != nil {
		return repository.Flag{}, err
	}
	if err := parseAndValidateRules(flag.Rules); err != nil {
		return repository.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("create flag: %w", mapRepositoryError(err))
	}

	s.setCachedFlag(created)
	s.publishFlagEventBestEffort(ctx, EventTypeUpdated, created)

	return created, nil
}

func (s *Service) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if err := validateFlagIdentity(flag.ProjectID, flag.Key); err != nil {
		return repository.Flag{}, err
	}
	if err := parseAndValidateRules(flag.Rules); err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.UpdateFlag(ctx, flag)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.deleteCachedFlag(flag.ProjectID, flag.Key)
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", mapRepositoryError(err))
	}

	s.setCachedFlag(updated)
	s.publishFlagEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

func (s *Service) GetFlag(ctx context.Context, projectID, key string) (repository.Flag, error) {
	if err := validateFlagIdentity(projectID, key); err != nil {
		return repository.Flag{}, err
	}

	if flag, ok := s.getCachedFlag(projectID, key); ok {
		return flag, nil
	}

	flag, err := s.repo.GetFlag(ctx, projectID, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	s.setCachedFlag(flag)
	return flag, nil
}

// ListFlags returns the cached flags of a project ordered by key.
func (s *Service) ListFlags(_ context.Context, projectID string) ([]repository.Flag, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}

	s.mu.RLock()
	projectFlags := s.cache[projectID]
	flags := make([]repository.Flag, 0, len(projectFlags))
	for _, flag := range projectFlags {
		flags = append(flags, flag)
	}
	s.mu.RUnlock()

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Key < flags[j].Key
	})

	return flags, nil
}

func (s *Service) DeleteFlag(ctx context.Context, projectID, key string) error {
	existing, err := s.GetFlag(ctx, projectID, key)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteFlag(ctx, projectID, key); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.deleteCachedFlag(projectID, key)
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", mapRepositoryError(err))
	}

	s.deleteCachedFlag(projectID, key)
	s.publishFlagEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

// Evaluate runs one flag through the rule engine. An unknown flag returns
// [ErrFlagNotFound]; a stored definition that cannot be decoded produces a
// GenericError response rather than an error.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (core.EvaluateResponse, error) {
	mode := s.defaultMode
	if req.Mode != nil {
		mode = *req.Mode
	}

	ctx, span := tracing.StartEvaluation(ctx, req.ProjectID, req.Key, req.Context, mode)
	resp, err := s.evaluate(ctx, req, mode)
	tracing.EndEvaluation(span, resp, err)
	if err != nil {
		return core.EvaluateResponse{}, err
	}

	if s.recorder != nil {
		s.recorder.RecordEvaluation(resp, mode)
	}
	return resp, nil
}

func (s *Service) evaluate(ctx context.Context, req EvaluateRequest, mode core.Mode) (core.EvaluateResponse, error) {
	flag, err := s.GetFlag(ctx, req.ProjectID, req.Key)
	if err != nil {
		return core.EvaluateResponse{}, err
	}

	coreFlag, err := repositoryFlagToCore(flag)
	if err != nil {
		s.logger.WarnContext(ctx, "stored flag rules could not be decoded",
			slog.String("project_id", flag.ProjectID),
			slog.String("flag_key", flag.Key),
			slog.String("error", err.Error()),
		)
		return s.evaluator.Fail(req.CorrelationID), nil
	}

	return s.evaluator.Evaluate(coreFlag, req.Context, req.CorrelationID, mode), nil
}

// EvaluateBatch evaluates requests in order. Missing flags and requests
// without a key are reported per entry; any other failure aborts the batch.
func (s *Service) EvaluateBatch(ctx context.Context, requests []EvaluateRequest) ([]EvaluateResult, error) {
	results := make([]EvaluateResult, 0, len(requests))
	for _, request := range requests {
		resp, err := s.Evaluate(ctx, request)
		switch {
		case err == nil:
			results = append(results, EvaluateResult{Key: request.Key, EvaluateResponse: &resp})
		case errors.Is(err, ErrFlagNotFound), errors.Is(err, ErrFlagKeyRequired):
			results = append(results, EvaluateResult{Key: request.Key, Error: err.Error()})
		default:
			return nil, err
		}
	}

	return results, nil
}

func (s *Service) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.FlagEvent, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}

	events, err := s.repo.ListEventsSince(ctx, projectID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]repository.FlagEvent, error) {
	if err := validateFlagIdentity(projectID, key); err != nil {
		return nil, err
	}

	events, err := s.repo.ListEventsSinceForKey(ctx, projectID, eventID, key)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for key %q: %w", eventID, key, err)
	}

	return events, nil
}

func (s *Service) getCachedFlag(projectID, key string) (repository.Flag, bool) {
	s.mu.RLock()
	flag, ok := s.cache[projectID][key]
	s.mu.RUnlock()

	return flag, ok
}

func (s *Service) setCachedFlag(flag repository.Flag) {
	s.mu.Lock()
	projectFlags, ok := s.cache[flag.ProjectID]
	if !ok {
		projectFlags = make(map[string]repository.Flag)
		s.cache[flag.ProjectID] = projectFlags
	}
	projectFlags[flag.Key] = flag
	size := len(projectFlags)
	s.mu.Unlock()

	if s.onCacheUpdate != nil {
		s.onCacheUpdate(flag.ProjectID, float64(size))
	}
}

func (s *Service) deleteCachedFlag(projectID, key string) {
	s.mu.Lock()
	projectFlags := s.cache[projectID]
	delete(projectFlags, key)
	size := len(projectFlags)
	s.mu.Unlock()

	if s.onCacheUpdate != nil {
		s.onCacheUpdate(projectID, float64(size))
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						s.logger.WarnContext(ctx, "resubscribe cache invalidation failed", slog.String("error", err.Error()))
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) publishFlagEventBestEffort(ctx context.Context, eventType string, flag repository.Flag) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishFlagEvent(publishCtx, eventType, flag); err != nil {
		s.logger.WarnContext(ctx, "publish flag event failed",
			slog.String("project_id", flag.ProjectID),
			slog.String("flag_key", flag.Key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "reload flag cache failed", slog.String("error", err.Error()))
	}
}

func (s *Service) publishFlagEvent(ctx context.Context, eventType string, flag repository.Flag) error {
	payload, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishFlagEvent(ctx, repository.FlagEvent{
		ProjectID: flag.ProjectID,
		FlagKey:   flag.Key,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func repositoryFlagToCore(flag repository.Flag) (core.Flag, error) {
	rules, err := decodeRules(flag.Rules)
	if err != nil {
		return core.Flag{}, err
	}

	return core.Flag{
		Status: flag.Status,
		Rules:  rules,
	}, nil
}

func validateFlagIdentity(projectID, key string) error {
	if strings.TrimSpace(projectID) == "" {
		return ErrProjectIDRequired
	}
	if strings.TrimSpace(key) == "" {
		return ErrFlagKeyRequired
	}
	return nil
}

func mapRepositoryError(err error) error {
	if errors.Is(err, repository.ErrReadOnly) {
		return errors.Join(ErrReadOnly, err)
	}
	return err
}
