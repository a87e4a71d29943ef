// Package agent runs one provisioning pass: it picks the metadata source,
// applies the request to the host and reports readiness to the hypervisor.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/goalstate"
	"github.com/openfroyo/guestinit/pkg/imds"
	"github.com/openfroyo/guestinit/pkg/media"
	"github.com/openfroyo/guestinit/pkg/provision"
	"github.com/openfroyo/guestinit/pkg/sshd"
	"github.com/openfroyo/guestinit/pkg/stores"
	"github.com/openfroyo/guestinit/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Source names where the provisioning request came from.
type Source string

const (
	SourceIMDS  Source = "imds"
	SourceMedia Source = "media"
)

// MetadataSource returns the raw instance metadata document.
type MetadataSource interface {
	Query(ctx context.Context) (imds.Body, error)
}

// EnvironmentResolver returns the OVF environment of the attached medium.
type EnvironmentResolver interface {
	ResolveEnvironment(ctx context.Context) (*media.Environment, error)
}

// HealthReporter performs the goal state handshake.
type HealthReporter interface {
	GetGoalState(ctx context.Context) (*goalstate.GoalState, error)
	ReportHealth(ctx context.Context, gs *goalstate.GoalState) error
}

// PasswordAuthPolicy applies the SSH password authentication setting.
type PasswordAuthPolicy interface {
	SetPasswordAuthentication(ctx context.Context, enabled bool) (*sshd.Result, error)
}

// Backends selects backend order per resource. Nil keeps the default.
type Backends struct {
	User     []provision.UserBackend
	Password []provision.PasswordBackend
	Hostname []provision.HostnameBackend
}

// Agent wires the collaborators of a run. IMDS, Media and Host are
// required; the others are skipped when nil.
type Agent struct {
	IMDS      MetadataSource
	Media     EnvironmentResolver
	GoalState HealthReporter
	SSHD      PasswordAuthPolicy
	Journal   stores.Journal

	Host     *provision.Host
	Backends Backends

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Result summarizes a run. Password is never part of it.
type Result struct {
	RunID    string
	Source   Source
	Username string
	Hostname string
	KeyCount int
	ExitCode int
	Duration time.Duration
}

// request is the resolved provisioning input.
type request struct {
	source   Source
	username string
	password string
	hostname string
	keys     []imds.PublicKey

	passwordAuthDisabled bool
}

// Run performs one provisioning pass. The returned error is the terminal
// failure, if any; Result.ExitCode is always set.
func (a *Agent) Run(ctx context.Context) (*Result, error) {
	tel := a.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}

	runID := uuid.New().String()
	logger := a.Logger.With().Str("run_id", runID).Logger()
	timer := telemetry.NewTimer()

	ctx, span := tel.Tracer.StartRunSpan(ctx, runID)
	defer span.End()

	result := &Result{RunID: runID}
	a.journalStart(ctx, logger, runID)

	err := a.run(ctx, logger, runID, tel, result)

	result.ExitCode = engine.ExitCode(err)
	result.Duration = timer.Duration()

	status := "success"
	if err != nil {
		status = "failure"
	}
	span.SetAttributes(
		telemetry.AttrExitCode.Int(result.ExitCode),
		telemetry.AttrSource.String(string(result.Source)),
		telemetry.AttrRunStatus.String(status),
	)

	if err != nil {
		class := string(engine.ClassOf(err))
		tel.Metrics.RecordError(class)
		span.SetAttributes(telemetry.AttrErrorClass.String(class))
		telemetry.RecordError(span, err)
		logger.Error().Err(err).Int("exit_code", result.ExitCode).Msg("Provisioning failed")
	} else {
		telemetry.RecordSuccess(span)
		logger.Info().
			Str("source", string(result.Source)).
			Str("username", result.Username).
			Str("hostname", result.Hostname).
			Dur("duration", result.Duration).
			Msg("Provisioning completed successfully")
	}
	tel.Metrics.RecordRun(status, result.Duration)
	a.journalComplete(ctx, logger, result, err)

	return result, err
}

func (a *Agent) run(ctx context.Context, logger zerolog.Logger, runID string, tel *telemetry.Telemetry, result *Result) error {
	if a.IMDS == nil || a.Media == nil || a.Host == nil {
		return &engine.Error{Class: engine.ErrorClassInternal, Message: "agent is missing a required collaborator"}
	}

	step := telemetry.NewTimer()
	req, err := a.resolveRequest(ctx, logger)
	tel.Metrics.RecordStep("metadata", step.Duration())
	if err != nil {
		return err
	}
	result.Source = req.source
	result.Username = req.username
	result.Hostname = req.hostname
	result.KeyCount = len(req.keys)

	p := provision.New(req.hostname, req.username).
		Password(req.password).
		SSHKeys(req.keys)
	if a.Backends.User != nil {
		p.UserBackends(a.Backends.User...)
	}
	if a.Backends.Password != nil {
		p.PasswordBackends(a.Backends.Password...)
	}
	if a.Backends.Hostname != nil {
		p.HostnameBackends(a.Backends.Hostname...)
	}

	host := a.observeAttempts(ctx, logger, runID, tel)

	step = telemetry.NewTimer()
	err = p.Provision(ctx, host)
	tel.Metrics.RecordStep("provision", step.Duration())
	if err != nil {
		return err
	}

	a.applyPasswordAuth(ctx, logger, req)

	if a.GoalState == nil {
		logger.Info().Msg("Health reporting disabled")
		return nil
	}

	step = telemetry.NewTimer()
	defer func() { tel.Metrics.RecordStep("report", step.Duration()) }()

	gs, err := a.GoalState.GetGoalState(ctx)
	if err != nil {
		return err
	}
	if err := a.GoalState.ReportHealth(ctx, gs); err != nil {
		return err
	}
	logger.Info().Str("incarnation", gs.Incarnation).Msg("Reported ready")
	return nil
}

// resolveRequest picks IMDS or the configuration medium from the password
// authentication flag and gathers the provisioning input.
func (a *Agent) resolveRequest(ctx context.Context, logger zerolog.Logger) (*request, error) {
	body, err := a.IMDS.Query(ctx)
	if err != nil {
		return nil, err
	}

	disabled, err := imds.PasswordAuthDisabled(body)
	if err != nil {
		return nil, err
	}
	logger.Info().Bool("password_auth_disabled", disabled).Msg("Read provisioning mode")

	if disabled {
		return requestFromIMDS(body)
	}
	return a.requestFromMedia(ctx, logger, body)
}

func requestFromIMDS(body imds.Body) (*request, error) {
	username, err := imds.Username(body)
	if err != nil {
		return nil, err
	}
	keys, err := imds.SSHKeys(body)
	if err != nil {
		return nil, err
	}
	hostname, err := imds.Hostname(body)
	if err != nil {
		return nil, err
	}
	return &request{
		source:               SourceIMDS,
		username:             username,
		hostname:             hostname,
		keys:                 keys,
		passwordAuthDisabled: true,
	}, nil
}

func (a *Agent) requestFromMedia(ctx context.Context, logger zerolog.Logger, body imds.Body) (*request, error) {
	env, err := a.Media.ResolveEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info().Object("environment", env).Msg("Read configuration medium")

	keys, err := imds.SSHKeys(body)
	if err != nil {
		if !errors.Is(err, imds.ErrFieldMissing) {
			return nil, err
		}
		keys = nil
	}

	hostname, err := imds.Hostname(body)
	if err != nil {
		if !errors.Is(err, imds.ErrFieldMissing) || env.HostName() == "" {
			return nil, err
		}
		logger.Info().Err(err).Str("hostname", env.HostName()).Msg("Using hostname from configuration medium")
		hostname = env.HostName()
	}

	return &request{
		source:   SourceMedia,
		username: env.UserName(),
		password: env.Password(),
		hostname: hostname,
		keys:     keys,
	}, nil
}

// applyPasswordAuth sets the sshd policy. Failures are logged and do not
// fail the run.
func (a *Agent) applyPasswordAuth(ctx context.Context, logger zerolog.Logger, req *request) {
	if a.SSHD == nil {
		return
	}
	res, err := a.SSHD.SetPasswordAuthentication(ctx, !req.passwordAuthDisabled)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to update sshd password authentication")
		return
	}
	logger.Info().
		Bool("password_authentication", !req.passwordAuthDisabled).
		Bool("changed", res.Changed).
		Bool("skipped", res.Skipped).
		Msg("Applied sshd password authentication")
}

// observeAttempts returns a copy of the host whose attempt hook also feeds
// metrics and the journal for this run. a.Host is left untouched.
func (a *Agent) observeAttempts(ctx context.Context, logger zerolog.Logger, runID string, tel *telemetry.Telemetry) *provision.Host {
	prev := a.Host.OnAttempt
	return a.Host.WithAttemptHook(func(at provision.Attempt) {
		if prev != nil {
			prev(at)
		}
		tel.Metrics.RecordBackendAttempt(at.Resource, at.Backend, at.Err)
		if a.Journal == nil {
			return
		}
		rec := &stores.Attempt{
			RunID:    runID,
			Resource: at.Resource,
			Backend:  at.Backend,
			Outcome:  stores.OutcomeSuccess,
			Duration: at.Duration,
		}
		if at.Err != nil {
			msg := at.Err.Error()
			rec.Outcome = stores.OutcomeFailure
			rec.Error = &msg
		}
		if err := a.Journal.RecordAttempt(ctx, rec); err != nil {
			logger.Warn().Err(err).Msg("Failed to journal backend attempt")
		}
	})
}

func (a *Agent) journalStart(ctx context.Context, logger zerolog.Logger, runID string) {
	if a.Journal == nil {
		return
	}
	run := &stores.Run{ID: runID, TraceID: telemetry.TraceID(ctx)}
	if err := a.Journal.CreateRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("Failed to journal run start")
		a.Journal = nil
	}
}

func (a *Agent) journalComplete(ctx context.Context, logger zerolog.Logger, result *Result, runErr error) {
	if a.Journal == nil {
		return
	}
	status := stores.RunStatusSucceeded
	if runErr != nil {
		status = stores.RunStatusFailed
	}
	err := a.Journal.CompleteRun(ctx, result.RunID, stores.RunResult{
		Status:   status,
		ExitCode: result.ExitCode,
		Source:   string(result.Source),
		Username: result.Username,
		Hostname: result.Hostname,
		Error:    runErr,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to journal run result")
	}
}
