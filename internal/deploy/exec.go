package deploy

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PetoAdam/homenavi/edge-console/internal/observability"
	"github.com/PetoAdam/homenavi/edge-console/internal/webserver"
)

var (
	ErrDeployTimeout    = errors.New("timeout when sending modules")
	ErrDeploymentFailed = errors.New("device reported deployment failure")
)

// AttachFunc hands the FSM to whatever feeds it device reports, then starts
// it.
type AttachFunc func(ctx context.Context, f *FSM) error

// Exec runs one deployment attempt under the fixed overall timeout. The file
// server, when requested, lives exactly as long as the attempt.
func Exec(ctx context.Context, f *FSM, attach AttachFunc) error {
	opts := f.Options()
	ctx, span := otel.Tracer(observability.ServiceName).Start(ctx, "deploy.exec")
	defer span.End()
	if m := f.Manifest(); m != nil {
		span.SetAttributes(attribute.String("deployment.id", m.ID()))
	}
	span.SetAttributes(attribute.String("deployment.dialect", f.Dialect().Name()))

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.UseWebserver {
		slog.Debug("opening webserver", "root", opts.ServeRoot, "port", opts.ServePort)
		srv, err := webserver.Start(opts.ServeRoot, opts.ServePort, nil)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	outcome := "error"
	defer func() {
		observability.RecordDeployment(f.Dialect().Name(), outcome)
		span.SetAttributes(attribute.String("deployment.outcome", outcome))
	}()

	if err := attach(ctx, f); err != nil {
		return err
	}

	finished := func() error {
		if f.Errored() {
			outcome = "failed"
			return ErrDeploymentFailed
		}
		outcome = "done"
		return nil
	}

	select {
	case <-f.Done():
		return finished()
	case <-ctx.Done():
		// A confirmation racing the deadline wins.
		select {
		case <-f.Done():
			return finished()
		default:
		}
		f.Abort(context.WithoutCancel(ctx))
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "cancelled"
			return ctx.Err()
		}
		slog.Error("timeout when sending modules")
		outcome = "timeout"
		return ErrDeployTimeout
	}
}
