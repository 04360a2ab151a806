package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	pkgsecrets "github.com/Checker-Finance/rysk-adapter/pkg/secrets"
)

// PrivateKeyField is the field read from a JSON secret.
const PrivateKeyField = "private_key"

// ErrNoSigningKey is returned when neither a secret nor a fallback key is configured.
var ErrNoSigningKey = errors.New("no signing key configured")

var hexKey = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// KeyResolver resolves the maker's signing key, preferring Secrets Manager
// over the static fallback and caching what it fetched.
type KeyResolver struct {
	logger     *zap.Logger
	provider   pkgsecrets.Provider
	secretName string
	fallback   string
	cache      *pkgsecrets.Cache[string]
}

// NewKeyResolver constructs a resolver. provider may be nil when secretName is empty.
func NewKeyResolver(
	logger *zap.Logger,
	provider pkgsecrets.Provider,
	secretName string,
	fallback string,
	cache *pkgsecrets.Cache[string],
) *KeyResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyResolver{
		logger:     logger,
		provider:   provider,
		secretName: strings.TrimSpace(secretName),
		fallback:   strings.TrimSpace(fallback),
		cache:      cache,
	}
}

// Resolve returns the signing key.
func (r *KeyResolver) Resolve(ctx context.Context) (string, error) {
	if r.secretName == "" || r.provider == nil {
		if r.fallback == "" {
			return "", ErrNoSigningKey
		}
		if err := validateKey(r.fallback); err != nil {
			return "", err
		}
		return r.fallback, nil
	}

	if r.cache != nil {
		if key, ok := r.cache.Get(r.secretName); ok {
			return key, nil
		}
	}

	secret, err := r.provider.GetSecret(ctx, r.secretName)
	if err != nil {
		r.logger.Warn("aws.secret_fetch_failed",
			zap.String("key", r.secretName),
			zap.Error(err))
		return "", fmt.Errorf("resolve signing key: %w", err)
	}

	key := strings.TrimSpace(secret[PrivateKeyField])
	if key == "" {
		key = strings.TrimSpace(secret[pkgsecrets.PlainValueKey])
	}
	if key == "" {
		return "", fmt.Errorf("secret %q has no %s field", r.secretName, PrivateKeyField)
	}
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("secret %q: %w", r.secretName, err)
	}

	if r.cache != nil {
		r.cache.Put(r.secretName, key)
	}
	r.logger.Info("aws.signing_key_resolved", zap.String("secret", r.secretName))
	return key, nil
}

// Rotate drops the cached key so the next Resolve refetches it.
func (r *KeyResolver) Rotate() {
	if r.cache != nil {
		r.cache.Bust(r.secretName)
	}
}

func validateKey(key string) error {
	if !hexKey.MatchString(key) {
		return errors.New("signing key is not a 32-byte hex string")
	}
	return nil
}
