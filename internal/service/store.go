package service

import (
	"context"

	"github.com/vexacloud/streambill/internal/repository"
)

// Store is the persistence surface the services need: the full query set
// plus transaction control. repository.Store implements it over Postgres,
// repository.MemoryStore implements it for tests.
type Store interface {
	repository.Querier

	// InTx runs fn inside one transaction. Errors roll everything back.
	InTx(ctx context.Context, fn func(repository.Querier) error) error
}
