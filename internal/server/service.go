package server

import (
	"context"

	"github.com/matt-riley/switchgate/internal/core"
	"github.com/matt-riley/switchgate/internal/repository"
	"github.com/matt-riley/switchgate/internal/service"
)

// Service is the subset of [service.Service] the HTTP transport needs.
type Service interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, projectID, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, projectID string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, projectID, key string) error
	Evaluate(ctx context.Context, req service.EvaluateRequest) (core.EvaluateResponse, error)
	EvaluateBatch(ctx context.Context, requests []service.EvaluateRequest) ([]service.EvaluateResult, error)
	ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]repository.FlagEvent, error)
}

var _ Service = (*service.Service)(nil)
