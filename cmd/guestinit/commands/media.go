package commands

import (
	"fmt"

	"github.com/openfroyo/guestinit/pkg/media"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMediaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Inspect the configuration medium",
	}
	cmd.AddCommand(newMediaInspectCommand())
	return cmd
}

// mediaSummary describes an environment document. The password itself is
// never shown.
type mediaSummary struct {
	Source                 string `json:"source"`
	Username               string `json:"username"`
	Hostname               string `json:"hostname,omitempty"`
	PasswordSet            bool   `json:"password_set"`
	DisablePasswordAuth    bool   `json:"disable_ssh_password_auth"`
	ProvisioningSectionVer string `json:"provisioning_section_version,omitempty"`
}

func newMediaInspectCommand() *cobra.Command {
	var image string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read the OVF environment from the attached medium or an ISO image",
		Long: `Read the OVF environment document.

Without --image the configured devices are mounted in turn, exactly as
during provisioning. With --image the document is read straight out of an
ISO9660 image or device without mounting it.`,
		Example: `  # Inspect the attached medium
  guestinit media inspect

  # Inspect an image file
  guestinit media inspect --image ./ovf-env.iso`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				env    *media.Environment
				source string
				err    error
			)
			if image != "" {
				source = image
				env, err = media.ReadISOEnvironment(image, cfg.Media.EnvFile)
			} else {
				source = "devices"
				resolver := media.NewResolver(cfg.MediaResolverConfig(), nil, nil, log.Logger)
				resolver.OnCandidate = func(device string, err error) {
					if err == nil {
						source = device
					}
				}
				env, err = resolver.ResolveEnvironment(cmd.Context())
			}
			if err != nil {
				return err
			}

			set := env.ProvisioningSection.LinuxProvisioningConfigurationSet
			summary := mediaSummary{
				Source:                 source,
				Username:               env.UserName(),
				Hostname:               env.HostName(),
				PasswordSet:            env.Password() != "",
				DisablePasswordAuth:    set.DisableSshPasswordAuthentication,
				ProvisioningSectionVer: env.ProvisioningSection.Version,
			}
			if jsonOutput {
				return printJSON(summary)
			}

			fmt.Printf("Source: %s\n", summary.Source)
			fmt.Printf("Username: %s\n", summary.Username)
			fmt.Printf("Hostname: %s\n", summary.Hostname)
			fmt.Printf("Password set: %v\n", summary.PasswordSet)
			fmt.Printf("Disable SSH password auth: %v\n", summary.DisablePasswordAuth)
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "ISO9660 image or device to read instead of mounting")

	return cmd
}
