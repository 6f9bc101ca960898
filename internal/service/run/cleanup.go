package run

import (
	"context"
	"log/slog"

	"querydeck/internal/domain"
)

// Cleanup tears down transient remote objects once a run is terminal.
// Everything here is best-effort: a failed delete is logged and swallowed,
// never surfaced to the job.
type Cleanup struct {
	gateway domain.PlatformGateway
	logger  *slog.Logger
}

// NewCleanup creates a Cleanup coordinator.
func NewCleanup(gateway domain.PlatformGateway, logger *slog.Logger) *Cleanup {
	return &Cleanup{gateway: gateway, logger: logger}
}

// OnTerminal deletes the run's transient query definition, resolving its id
// by customer key when it was never cached. The results data extension is
// deliberately left alone: clients may still page through results after the
// run is terminal, and a separate expiry mechanism owns its removal.
func (c *Cleanup) OnTerminal(ctx context.Context, runID, queryDefinitionID, queryCustomerKey string) {
	id := queryDefinitionID
	if id == "" {
		if queryCustomerKey == "" {
			return
		}
		resolved, err := c.gateway.ResolveQueryDefinitionID(ctx, queryCustomerKey)
		if err != nil {
			c.logger.Warn("cleanup: resolve query definition failed",
				"runId", runID, "customerKey", queryCustomerKey, "error", err)
			return
		}
		id = resolved
	}
	if err := c.gateway.DeleteQueryDefinition(ctx, id); err != nil {
		c.logger.Warn("cleanup: delete query definition failed",
			"runId", runID, "queryDefinitionId", id, "error", err)
	}
}
