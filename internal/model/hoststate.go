package model

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/validation"
)

// HostState is the declarative target for one host: every network it
// serves and the NAT mappings it carries.
type HostState struct {
	Networks []Attachment `yaml:"networks"`
	SNAT     []SNATRule   `yaml:"snat,omitempty"`
}

// Attachment is a network plus what this host does for it.
type Attachment struct {
	Network `yaml:",inline"`

	// Device serves DHCP and acts as gateway. Defaults to the bridge.
	Device      string       `yaml:"device,omitempty"`
	Plug        bool         `yaml:"plug"`
	InitGateway bool         `yaml:"init_gateway"`
	DHCP        bool         `yaml:"dhcp"`
	MAC         string       `yaml:"mac,omitempty"`
	FloatingIPs []FloatingIP `yaml:"floating_ips,omitempty"`
}

// DeviceName returns the DHCP/gateway device for the attachment.
func (a *Attachment) DeviceName() string {
	if a.Device != "" {
		return a.Device
	}
	return a.Bridge
}

// Validate checks every network, floating mapping and snat rule.
func (h *HostState) Validate() error {
	seen := make(map[int]bool)
	for i := range h.Networks {
		att := &h.Networks[i]
		if seen[att.ID] {
			return errors.Errorf(errors.KindValidation, "network %d listed twice", att.ID)
		}
		seen[att.ID] = true
		if err := att.Network.Validate(); err != nil {
			return err
		}
		if err := validation.OptionalInterfaceName(att.Device); err != nil {
			return errors.Attr(err, "network", att.ID)
		}
		if att.MAC != "" {
			if err := validation.MAC(att.MAC); err != nil {
				return errors.Attr(err, "network", att.ID)
			}
		}
		for j := range att.FloatingIPs {
			if err := att.FloatingIPs[j].Validate(); err != nil {
				return err
			}
		}
	}
	for i := range h.SNAT {
		if err := h.SNAT[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the attachment for a network id.
func (h *HostState) Find(id int) (*Attachment, error) {
	for i := range h.Networks {
		if h.Networks[i].ID == id {
			return &h.Networks[i], nil
		}
	}
	return nil, errors.Errorf(errors.KindNotFound, "network %d not in host state", id)
}

// ParseHostState decodes and validates a YAML host state document.
func ParseHostState(data []byte) (*HostState, error) {
	var hs HostState
	if err := yaml.UnmarshalStrict(data, &hs); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "failed to parse host state")
	}
	if err := hs.Validate(); err != nil {
		return nil, err
	}
	return &hs, nil
}

// LoadHostState reads a host state document from fs.
func LoadHostState(fs afero.Fs, path string) (*HostState, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, fmt.Sprintf("failed to read %s", path))
	}
	return ParseHostState(data)
}
