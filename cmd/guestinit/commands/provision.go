package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/guestinit/pkg/agent"
	"github.com/openfroyo/guestinit/pkg/goalstate"
	"github.com/openfroyo/guestinit/pkg/imds"
	"github.com/openfroyo/guestinit/pkg/media"
	"github.com/openfroyo/guestinit/pkg/provision"
	"github.com/openfroyo/guestinit/pkg/sshd"
	"github.com/openfroyo/guestinit/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newProvisionCommand() *cobra.Command {
	var noReport bool

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision this instance",
		Long: `Provision this instance from the instance metadata service or the
configuration medium.

The steps are:
  - Query instance metadata and pick the source from disablePasswordAuthentication
  - Create the admin user, clear its password and install SSH keys
  - Set the hostname
  - Set sshd PasswordAuthentication to match the source
  - Fetch the goal state and report the instance ready

Exit status is 0 on success, 78 when the request itself is unusable
(missing user, non-empty password) and 1 for any other failure.`,
		Example: `  # Full provisioning pass
  guestinit provision

  # Provision without reporting ready, for images that run another agent
  guestinit provision --no-report`,
		Args: cobra.NoArgs,
	}

	cmd.Flags().BoolVar(&noReport, "no-report", false, "skip the goal state health report")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runProvision(noReport)(cmd, args)
	}

	return cmd
}

func runProvision(noReport bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush telemetry")
			}
		}()

		logger := tel.Logger.NewComponentLogger("agent").Zerolog()

		a, cleanup, err := buildAgent(ctx, tel, noReport)
		if err != nil {
			return err
		}
		defer cleanup()
		a.Logger = logger

		result, err := a.Run(ctx)
		if jsonOutput {
			if perr := printJSON(result); perr != nil {
				return perr
			}
		} else if err == nil {
			fmt.Printf("Provisioned %s (user %s, %d SSH keys) from %s in %s\n",
				result.Hostname, result.Username, result.KeyCount, result.Source, result.Duration.Round(time.Millisecond))
		}
		return err
	}
}

// buildAgent wires the agent from the loaded configuration.
func buildAgent(ctx context.Context, tel *telemetry.Telemetry, noReport bool) (*agent.Agent, func(), error) {
	logger := tel.Logger.Zerolog()

	transport, err := newTransport(logger)
	if err != nil {
		return nil, nil, err
	}

	backends, err := cfg.BackendSelection()
	if err != nil {
		return nil, nil, err
	}

	resolver := media.NewResolver(cfg.MediaResolverConfig(), nil, nil, logger)
	resolver.OnCandidate = func(_ string, err error) {
		tel.Metrics.RecordMediaCandidate(err)
	}

	host := provision.NewHost(cfg.ProvisionCommands(), cfg.Commands.Timeout, logger)

	a := &agent.Agent{
		IMDS:  imds.NewClient(transport, cfg.IMDSClientConfig(), logger),
		Media: resolver,
		Host:  host,
		Backends: agent.Backends{
			User:     backends.User,
			Password: backends.Password,
			Hostname: backends.Hostname,
		},
		Telemetry: tel,
	}

	if cfg.WireServer.ReportHealth && !noReport {
		a.GoalState = goalstate.NewClient(transport, cfg.GoalStateConfig(), logger)
	}

	if cfg.SSHD.Manage {
		a.SSHD = &sshd.Configurator{
			Path:     cfg.SSHD.Path,
			Validate: cfg.SSHD.Validate,
			Reload:   cfg.SSHD.Reload,
			Runner:   host.Runner,
			Logger:   logger.With().Str("component", "sshd").Logger(),
		}
	}

	cleanup := func() {}
	if cfg.Journal.Enabled {
		journal, err := openJournal(ctx)
		if err != nil {
			// The journal is advisory; provisioning goes ahead without it.
			log.Warn().Err(err).Msg("Journal unavailable")
		} else {
			a.Journal = journal
			cleanup = func() { closeQuietly("journal", journal) }
		}
	}

	return a, cleanup, nil
}
