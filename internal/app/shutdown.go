package app

import (
	"context"
	"errors"

	"portalchat/pkg/logger"
	"portalchat/pkg/telemetry"
)

// Shutdown stops listeners first, then background jobs, then the engine
// and store. Errors from each stage are joined.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"
	var errs []error

	if a.srvFast != nil {
		if err := a.srvFast.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stream != nil {
		if err := a.stream.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.reconcileCancel != nil {
		a.reconcileCancel()
	}
	if a.hwSensor != nil {
		a.hwSensor.Stop()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	telemetry.Close()

	err := errors.Join(errs...)
	if err != nil {
		logger.Error("shutdown_failed", "error", err)
		return err
	}
	a.state = "stopped"
	logger.Info("shutdown_complete")
	return nil
}

// State reports the lifecycle stage.
func (a *App) State() string { return a.state }
