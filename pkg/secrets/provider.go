package secrets

import "context"

// Provider fetches a named secret as a key-value map.
type Provider interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, name string) (map[string]string, error)

func (f ProviderFunc) GetSecret(ctx context.Context, name string) (map[string]string, error) {
	return f(ctx, name)
}
