// ABOUTME: Periodic reconciliation of persisted computer status against live connections.
// ABOUTME: The connection registry is the source of truth; the store follows it.

package gateway

import (
	"context"
	"time"

	"github.com/warmfleet/orchestrator/internal/store"
)

// RunReconciler diffs the persisted roster against the live connection set
// on a fixed interval until ctx is cancelled. Transitions are written only
// when the two disagree, so steady state produces no writes.
func (g *Gateway) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(g.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.reconcileOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// reconcileOnce performs one status diff pass.
func (g *Gateway) reconcileOnce(ctx context.Context) {
	computers, err := g.store.ListComputers(ctx)
	if err != nil {
		g.logger.Error("reconciler: listing computers", "error", err)
		return
	}

	for _, c := range computers {
		connected := g.registry.IsConnected(c.ID)
		switch {
		case connected && c.Status != store.ComputerOnline:
			if err := g.store.SetComputerStatus(ctx, c.ID, store.ComputerOnline); err != nil {
				g.logger.Error("reconciler: marking online", "computer_id", c.ID, "error", err)
			} else {
				g.logger.Info("computer reconciled online", "computer_id", c.ID)
			}
		case !connected && c.Status != store.ComputerOffline:
			if err := g.store.SetComputerStatus(ctx, c.ID, store.ComputerOffline); err != nil {
				g.logger.Error("reconciler: marking offline", "computer_id", c.ID, "error", err)
			} else {
				g.logger.Info("computer reconciled offline", "computer_id", c.ID)
			}
		}
	}
}
