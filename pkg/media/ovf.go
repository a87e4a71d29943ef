package media

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNoUserName reports an environment document without a user name.
var ErrNoUserName = errors.New("provisioning section has no user name")

// Environment is the OVF environment document found on a configuration medium.
type Environment struct {
	XMLName             xml.Name            `xml:"Environment"`
	ProvisioningSection ProvisioningSection `xml:"ProvisioningSection"`
}

// ProvisioningSection carries the Linux provisioning configuration set.
type ProvisioningSection struct {
	Version                           string                            `xml:"Version"`
	LinuxProvisioningConfigurationSet LinuxProvisioningConfigurationSet `xml:"LinuxProvisioningConfigurationSet"`
}

// LinuxProvisioningConfigurationSet holds the account and host settings.
type LinuxProvisioningConfigurationSet struct {
	UserName                         string `xml:"UserName"`
	UserPassword                     string `xml:"UserPassword"`
	HostName                         string `xml:"HostName"`
	DisableSshPasswordAuthentication bool   `xml:"DisableSshPasswordAuthentication"`
}

// UserName returns the provisioned account name.
func (e *Environment) UserName() string {
	return strings.TrimSpace(e.ProvisioningSection.LinuxProvisioningConfigurationSet.UserName)
}

// Password returns the provisioned password. It must never be logged.
func (e *Environment) Password() string {
	return e.ProvisioningSection.LinuxProvisioningConfigurationSet.UserPassword
}

// HostName returns the host name from the medium, which may be empty.
func (e *Environment) HostName() string {
	return strings.TrimSpace(e.ProvisioningSection.LinuxProvisioningConfigurationSet.HostName)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler without the password.
func (e *Environment) MarshalZerologObject(ev *zerolog.Event) {
	set := e.ProvisioningSection.LinuxProvisioningConfigurationSet
	ev.Str("user", e.UserName()).
		Str("hostname", e.HostName()).
		Bool("password_set", set.UserPassword != "").
		Bool("disable_ssh_password_auth", set.DisableSshPasswordAuthentication)
}

// ParseEnvironment decodes an OVF environment document.
func ParseEnvironment(data []byte) (*Environment, error) {
	var env Environment
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if env.UserName() == "" {
		return nil, ErrNoUserName
	}
	return &env, nil
}
