// Package jobs exposes the renewal pass as a restinpieces queue job
// handler, for deployments that already run its scheduler.
package jobs

import (
	"context"
	"log/slog"

	"github.com/caasmo/restinpieces/db"

	"github.com/caasmo/lbcert/engine"
)

// RenewalHandler runs one renewal pass per job.
type RenewalHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewRenewalHandler creates the handler.
func NewRenewalHandler(e *engine.Engine, logger *slog.Logger) *RenewalHandler {
	if e == nil || logger == nil {
		panic("jobs.NewRenewalHandler: received nil engine or logger")
	}
	return &RenewalHandler{
		engine: e,
		logger: logger.With("job_handler", "cert_renewal"),
	}
}

// Handle executes the renewal pass. The job payload is unused; the pass
// always covers the whole store.
func (h *RenewalHandler) Handle(ctx context.Context, job db.Job) error {
	h.logger.Info("renewal job started", "job_id", job.ID)
	if err := h.engine.RunRenewals(ctx); err != nil {
		h.logger.Error("renewal job failed", "job_id", job.ID, "error", err)
		return err
	}
	h.logger.Info("renewal job completed", "job_id", job.ID)
	return nil
}
