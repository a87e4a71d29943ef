package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/guestinit/pkg/imds"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

func newIMDSCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imds",
		Short: "Inspect the instance metadata service",
	}
	cmd.AddCommand(newIMDSShowCommand())
	return cmd
}

// imdsSummary is what guestinit would provision from the metadata document.
type imdsSummary struct {
	PasswordAuthDisabled *bool    `json:"password_auth_disabled,omitempty"`
	Username             string   `json:"username,omitempty"`
	Hostname             string   `json:"hostname,omitempty"`
	Keys                 []string `json:"keys,omitempty"`
	Errors               []string `json:"errors,omitempty"`
}

func newIMDSShowCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Query instance metadata and show the provisioning fields",
		Example: `  # Show the fields guestinit uses
  guestinit imds show

  # Dump the raw metadata document
  guestinit imds show --raw`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := newTransport(log.Logger)
			if err != nil {
				return err
			}
			client := imds.NewClient(transport, cfg.IMDSClientConfig(), log.Logger)

			body, err := client.Query(cmd.Context())
			if err != nil {
				return err
			}
			if raw {
				_, err := os.Stdout.Write(append(body, '\n'))
				return err
			}

			summary := summarizeIMDS(body)
			if jsonOutput {
				return printJSON(summary)
			}

			if summary.PasswordAuthDisabled != nil {
				fmt.Printf("Password auth disabled: %v\n", *summary.PasswordAuthDisabled)
			}
			fmt.Printf("Username: %s\n", summary.Username)
			fmt.Printf("Hostname: %s\n", summary.Hostname)
			fmt.Printf("SSH keys: %d\n", len(summary.Keys))
			for _, k := range summary.Keys {
				fmt.Printf("  %s\n", k)
			}
			for _, e := range summary.Errors {
				fmt.Printf("Error: %s\n", e)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw metadata document")

	return cmd
}

func summarizeIMDS(body imds.Body) imdsSummary {
	var s imdsSummary
	if disabled, err := imds.PasswordAuthDisabled(body); err != nil {
		s.Errors = append(s.Errors, err.Error())
	} else {
		s.PasswordAuthDisabled = &disabled
	}

	var err error
	if s.Username, err = imds.Username(body); err != nil {
		s.Errors = append(s.Errors, err.Error())
	}
	if s.Hostname, err = imds.Hostname(body); err != nil {
		s.Errors = append(s.Errors, err.Error())
	}

	keys, err := imds.SSHKeys(body)
	if err != nil {
		s.Errors = append(s.Errors, err.Error())
	}
	for _, k := range keys {
		s.Keys = append(s.Keys, describeKey(k.KeyData))
	}
	return s
}

func describeKey(data string) string {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(data)))
	if err != nil {
		return "unparseable key"
	}
	desc := pub.Type() + " " + ssh.FingerprintSHA256(pub)
	if comment != "" {
		desc += " " + comment
	}
	return desc
}
