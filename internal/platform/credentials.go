package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Audience names the service the bearer token is issued for.
type Audience string

const (
	AudienceMetadata       Audience = "metadata"
	AudienceIdentity       Audience = "identity"
	AudienceDataCollection Audience = "data_collection"
)

// CredentialProvider hands out a bearer token per call. Implementations may
// cache or exchange tokens; the client never stores them.
type CredentialProvider interface {
	Token(ctx context.Context, audience Audience) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, audience Audience) (string, error)

func (f CredentialFunc) Token(ctx context.Context, audience Audience) (string, error) {
	return f(ctx, audience)
}

// StaticCredentials serves fixed tokens per audience with an optional
// fallback. Tokens can be swapped at runtime, e.g. on config reload.
type StaticCredentials struct {
	mu       sync.RWMutex
	tokens   map[Audience]string
	fallback string
}

func NewStaticCredentials(fallback string, tokens map[Audience]string) *StaticCredentials {
	c := &StaticCredentials{}
	c.Set(fallback, tokens)
	return c
}

func (c *StaticCredentials) Set(fallback string, tokens map[Audience]string) {
	copied := make(map[Audience]string, len(tokens))
	for audience, token := range tokens {
		if token = strings.TrimSpace(token); token != "" {
			copied[audience] = token
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = copied
	c.fallback = strings.TrimSpace(fallback)
}

func (c *StaticCredentials) Token(_ context.Context, audience Audience) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if token, ok := c.tokens[audience]; ok {
		return token, nil
	}
	if c.fallback != "" {
		return c.fallback, nil
	}
	return "", fmt.Errorf("no platform token configured for audience %s", audience)
}

type credentialContextKey struct{}

// WithCredentials scopes a provider to one logical operation, typically the
// acting user's session token. It takes precedence over the client default.
func WithCredentials(ctx context.Context, provider CredentialProvider) context.Context {
	if provider == nil {
		return ctx
	}
	return context.WithValue(ctx, credentialContextKey{}, provider)
}

func credentialsFromContext(ctx context.Context) CredentialProvider {
	provider, _ := ctx.Value(credentialContextKey{}).(CredentialProvider)
	return provider
}
