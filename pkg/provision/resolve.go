package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/guestinit/pkg/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// resolve tries backends in order until one succeeds. Each is invoked at
// most once. Failures are logged and collected; only exhaustion is returned.
func resolve[B fmt.Stringer](ctx context.Context, h *Host, resource string, backends []B, apply func(context.Context, B) error) error {
	ctx, span := otel.Tracer("guestinit/provision").Start(ctx, "provision."+resource)
	defer span.End()

	var errs []error
	for _, b := range backends {
		start := time.Now()
		err := apply(ctx, b)
		h.recordAttempt(Attempt{
			Resource: resource,
			Backend:  b.String(),
			Err:      err,
			Duration: time.Since(start),
		})

		if err == nil {
			h.Logger.Debug().Str("resource", resource).Str("backend", b.String()).Msg("Provisioned")
			span.SetAttributes(attribute.String("backend", b.String()))
			span.SetStatus(codes.Ok, "")
			return nil
		}

		h.Logger.Info().
			Err(err).
			Str("backend", b.String()).
			Str("resource", resource).
			Msg("Provisioning did not succeed")
		errs = append(errs, fmt.Errorf("%s: %w", b, err))
	}

	err := engine.NewNoProvisionerError(resource, errors.Join(errs...))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
