// ABOUTME: Per-RPC bearer credentials attached by workers to every Control call.
// ABOUTME: Transport security is required whenever a pinned root is configured.

package auth

import (
	"context"
)

// BearerCredentials implements credentials.PerRPCCredentials by presenting a
// static bearer token in the authorization metadata key.
type BearerCredentials struct {
	Token string

	// Secure requires the call to travel over an encrypted transport.
	Secure bool
}

func (c BearerCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.Token}, nil
}

func (c BearerCredentials) RequireTransportSecurity() bool {
	return c.Secure
}
