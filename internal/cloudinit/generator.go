// Package cloudinit builds NoCloud seed data for newly created VMs.
//
// The seed carries user-data, meta-data and network-config files following
// the cloud-init NoCloud datasource layout.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is the guest-facing configuration for one VM.
type Seed struct {
	// InstanceID changes whenever the guest should re-run first boot.
	InstanceID string
	Hostname   string
	// Domain is appended to Hostname to form the FQDN when set.
	Domain  string
	SSHKeys []string
	// User is the default login account. Empty keeps the image default.
	User string
}

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string   `yaml:"hostname"`
	FQDN              string   `yaml:"fqdn"`
	PreserveHostname  bool     `yaml:"preserve_hostname"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	Users             []any    `yaml:"users,omitempty"`
	SSHPasswordAuth   bool     `yaml:"ssh_pwauth"`
	DisableRoot       bool     `yaml:"disable_root"`
	Output            *Output  `yaml:"output,omitempty"`
}

// User is a cloud-config user entry.
type User struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo,omitempty"`
	Shell             string   `yaml:"shell,omitempty"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data structure.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig represents the netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig represents a single ethernet interface configuration.
type EthernetConfig struct {
	Match   MatchConfig `yaml:"match"`
	DHCP4   bool        `yaml:"dhcp4"`
	SetName string      `yaml:"set-name,omitempty"`
}

// MatchConfig matches interfaces by name glob.
type MatchConfig struct {
	Name string `yaml:"name"`
}

// ErrNoHostname is returned when a seed has no hostname.
var ErrNoHostname = errors.New("hostname is required")

func (s Seed) validate() error {
	if strings.TrimSpace(s.Hostname) == "" {
		return ErrNoHostname
	}
	return nil
}

func (s Seed) fqdn() string {
	if s.Domain == "" {
		return s.Hostname
	}
	return s.Hostname + "." + strings.TrimPrefix(s.Domain, ".")
}

func (s Seed) instanceID() string {
	if s.InstanceID != "" {
		return s.InstanceID
	}
	return s.Hostname
}

// GenerateUserData returns the complete user-data file content including
// the "#cloud-config" header.
func GenerateUserData(s Seed) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	userData := UserData{
		Hostname:    s.Hostname,
		FQDN:        s.fqdn(),
		DisableRoot: true,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}

	if s.User != "" {
		userData.Users = []any{
			"default",
			User{
				Name:              s.User,
				Sudo:              "ALL=(ALL) NOPASSWD:ALL",
				Shell:             "/bin/bash",
				LockPasswd:        true,
				SSHAuthorizedKeys: s.SSHKeys,
			},
		}
	} else if len(s.SSHKeys) > 0 {
		userData.SSHAuthorizedKeys = s.SSHKeys
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	// cloud-init ignores user-data without this header
	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData returns the meta-data YAML content.
//
// Cloud-init uses instance-id to decide whether this is a first boot, so a
// rebuilt VM must get a fresh one.
func GenerateMetaData(s Seed) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	metaData := MetaData{
		InstanceID:    s.instanceID(),
		LocalHostname: s.Hostname,
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}

	return string(yamlBytes), nil
}

// GenerateNetworkConfig returns a netplan v2 config that brings up the
// first virtio NIC with DHCP. Addresses come from the network's lease
// table, which is where the gateway reads them back from.
func GenerateNetworkConfig() (string, error) {
	networkConfig := NetworkConfig{
		Version: 2,
		Ethernets: map[string]EthernetConfig{
			"primary": {
				Match:   MatchConfig{Name: "e*"},
				DHCP4:   true,
				SetName: "eth0",
			},
		},
	}

	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}

	return string(yamlBytes), nil
}
