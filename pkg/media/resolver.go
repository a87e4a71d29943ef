// Package media locates the configuration medium attached to the instance,
// mounts it and reads the OVF environment document it carries.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Config configures medium discovery.
type Config struct {
	MountPoint  string
	DevicePaths []string
	FSTypes     []string
	EnvFile     string
	// WaitTimeout bounds how long to wait for a device to appear when none
	// exists at start. Zero disables waiting.
	WaitTimeout time.Duration
}

// DefaultConfig returns the settings for a CD-ROM style medium.
func DefaultConfig() Config {
	return Config{
		MountPoint:  "/run/guestinit/media",
		DevicePaths: []string{"/dev/sr*", "/dev/cdrom*"},
		FSTypes:     []string{"udf", "iso9660"},
		EnvFile:     "ovf-env.xml",
	}
}

// Resolver finds the first candidate device that yields a valid environment.
type Resolver struct {
	config  Config
	lister  DeviceLister
	mounter Mounter
	logger  zerolog.Logger

	// OnCandidate, when set, observes the outcome of every candidate.
	OnCandidate func(device string, err error)
}

// NewResolver creates a resolver. Nil lister and mounter fall back to the
// glob lister and the mount(2) mounter built from config.
func NewResolver(config Config, lister DeviceLister, mounter Mounter, logger zerolog.Logger) *Resolver {
	if lister == nil {
		lister = GlobLister{Patterns: config.DevicePaths}
	}
	if mounter == nil {
		mounter = SysMounter{FSTypes: config.FSTypes}
	}
	if config.EnvFile == "" {
		config.EnvFile = DefaultConfig().EnvFile
	}
	return &Resolver{
		config:  config,
		lister:  lister,
		mounter: mounter,
		logger:  logger.With().Str("component", "media").Logger(),
	}
}

// ResolveEnvironment mounts each candidate in order and returns the first
// parsed environment. Every mounted candidate is unmounted before the next
// one is tried and before returning.
func (r *Resolver) ResolveEnvironment(ctx context.Context) (*Environment, error) {
	ctx, span := otel.Tracer("guestinit/media").Start(ctx, "media.resolve")
	defer span.End()

	devices, err := r.candidates(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("candidates", len(devices)))

	var errs []error
	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		env, err := r.tryCandidate(device)
		if r.OnCandidate != nil {
			r.OnCandidate(device, err)
		}
		if err == nil {
			r.logger.Info().Str("device", device).Object("environment", env).Msg("Found configuration medium")
			span.SetAttributes(attribute.String("device", device))
			span.SetStatus(codes.Ok, "")
			return env, nil
		}

		r.logger.Info().Err(err).Str("device", device).Msg("Candidate medium not usable")
		errs = append(errs, fmt.Errorf("%s: %w", device, err))
	}

	if len(devices) == 0 {
		errs = append(errs, errors.New("no candidate devices"))
	}
	nerr := engine.NewNoViableMediumError(errors.Join(errs...))
	span.RecordError(nerr)
	span.SetStatus(codes.Error, nerr.Error())
	return nil, nerr
}

func (r *Resolver) candidates(ctx context.Context) ([]string, error) {
	devices, err := r.lister.Devices()
	if err != nil {
		return nil, engine.NewNoViableMediumError(err)
	}
	if len(devices) > 0 || r.config.WaitTimeout <= 0 {
		return devices, nil
	}

	r.logger.Info().Dur("timeout", r.config.WaitTimeout).Msg("No medium present, waiting for a device")
	if _, err := WaitForDevice(ctx, r.config.DevicePaths, r.config.WaitTimeout); err != nil {
		r.logger.Info().Err(err).Msg("No medium appeared")
		return nil, nil
	}
	devices, err = r.lister.Devices()
	if err != nil {
		return nil, engine.NewNoViableMediumError(err)
	}
	return devices, nil
}

// tryCandidate mounts device, reads and parses the environment file, and
// always unmounts what it mounted.
func (r *Resolver) tryCandidate(device string) (*Environment, error) {
	if err := r.mounter.Mount(device, r.config.MountPoint); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.mounter.Unmount(r.config.MountPoint); err != nil {
			r.logger.Warn().Err(err).Str("device", device).Msg("Failed to unmount medium")
		}
	}()

	data, err := os.ReadFile(filepath.Join(r.config.MountPoint, r.config.EnvFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.config.EnvFile, err)
	}
	return ParseEnvironment(data)
}
