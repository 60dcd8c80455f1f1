package connector

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// CredentialsResolver turns an auth_credentials_ref handle into a secret.
type CredentialsResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvCredentials resolves "env:NAME" from the environment and "file:/path"
// from disk; any other non-empty ref is used literally.
type EnvCredentials struct{}

// Resolve implements CredentialsResolver.
func (EnvCredentials) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return value, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read credentials file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return ref, nil
	}
}

// StaticCredentials maps refs to fixed secrets.
type StaticCredentials map[string]string

// Resolve implements CredentialsResolver.
func (s StaticCredentials) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	value, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("unknown credentials ref %q", ref)
	}
	return value, nil
}
