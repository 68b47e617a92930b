// Package payment talks to the hosted-checkout payment provider: it picks
// credentials per environment, builds checkout sessions with optional
// revenue split, issues refunds and verifies inbound webhook events.
package payment

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Environment selects one of the provider's two credential sets.
type Environment string

const (
	Production Environment = "production"
	Sandbox    Environment = "sandbox"
)

// ParseEnvironment accepts "production"/"live" and "sandbox"/"test".
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "live":
		return Production, nil
	case "sandbox", "test":
		return Sandbox, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
}

// Credentials is one environment's secret key and webhook signing secret.
type Credentials struct {
	SecretKey     string
	WebhookSecret string
}

// CredentialSet holds both environments.
type CredentialSet struct {
	Production Credentials
	Sandbox    Credentials
}

// For returns the credentials of env.
func (c CredentialSet) For(env Environment) (Credentials, error) {
	var cr Credentials
	switch env {
	case Production:
		cr = c.Production
	case Sandbox:
		cr = c.Sandbox
	default:
		return Credentials{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	if cr.SecretKey == "" {
		return Credentials{}, fmt.Errorf("%w: %s", ErrMissingCredentials, env)
	}
	return cr, nil
}

// EnvironmentRouter holds the process-wide mode that decides which
// credentials new checkouts use. It is read once per checkout request and
// never consulted for webhook verification or refunds.
type EnvironmentRouter struct {
	mode atomic.Value // Environment
}

// NewEnvironmentRouter starts in initial mode.
func NewEnvironmentRouter(initial Environment) *EnvironmentRouter {
	r := &EnvironmentRouter{}
	r.mode.Store(initial)
	return r
}

// Mode returns the current checkout environment.
func (r *EnvironmentRouter) Mode() Environment {
	return r.mode.Load().(Environment)
}

// SetMode switches the checkout environment. Checkouts already created keep
// the environment they were created under.
func (r *EnvironmentRouter) SetMode(env Environment) error {
	if env != Production && env != Sandbox {
		return fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	r.mode.Store(env)
	return nil
}
