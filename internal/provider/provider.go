// Package provider holds the external capabilities the batch jobs call:
// account provisioning and group joining.
package provider

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

var (
	ErrProvision    = errors.New("provisioning failed")
	ErrJoinRejected = errors.New("join rejected")
)

// Result is a freshly provisioned account
type Result struct {
	Identifier string `json:"identifier"`
	Credential string `json:"credential"`
}

// Provisioner creates one account per call
type Provisioner interface {
	Provision(ctx context.Context, cfg domain.ProvisionConfig) (Result, error)
}

// Joiner asks the external service to add an entity to a target group
type Joiner interface {
	Join(ctx context.Context, e domain.Entity, target string) bool
}

// ProvisionerFunc adapts a function to Provisioner
type ProvisionerFunc func(ctx context.Context, cfg domain.ProvisionConfig) (Result, error)

func (f ProvisionerFunc) Provision(ctx context.Context, cfg domain.ProvisionConfig) (Result, error) {
	return f(ctx, cfg)
}

// JoinerFunc adapts a function to Joiner
type JoinerFunc func(ctx context.Context, e domain.Entity, target string) bool

func (f JoinerFunc) Join(ctx context.Context, e domain.Entity, target string) bool {
	return f(ctx, e, target)
}

var channelDomains = map[string]string{
	"10minutemail":  "10minutemail.com",
	"tempmail":      "tempmail.com",
	"guerrillamail": "guerrillamail.com",
}

// MailDomain returns the temporary mail domain used for a channel
func MailDomain(channel string) string {
	if d, ok := channelDomains[channel]; ok {
		return d
	}
	return "tempemail.com"
}
