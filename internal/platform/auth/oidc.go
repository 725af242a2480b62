package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/agentcommerce/gateway/internal/platform/httpx"
	"github.com/agentcommerce/gateway/internal/platform/requestctx"
)

// ServiceIdentity describes the workload that called an internal route.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity stores the service identity on the context.
func WithServiceIdentity(ctx context.Context, identity ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the calling service identity.
func ServiceIdentityFromContext(ctx context.Context) (ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(ServiceIdentity)
	return identity, ok
}

// OIDCValidator verifies Google-signed ID tokens presented by onboarding and operator workloads.
type OIDCValidator struct {
	cache    *JWKSCache
	audience string
	issuers  map[string]struct{}
}

// NewOIDCValidator constructs a validator for the given audience and allowed issuers.
func NewOIDCValidator(cache *JWKSCache, audience string, issuers []string) *OIDCValidator {
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed[issuer] = struct{}{}
		}
	}
	return &OIDCValidator{cache: cache, audience: strings.TrimSpace(audience), issuers: allowed}
}

// Verify parses and validates a raw token.
func (v *OIDCValidator) Verify(ctx context.Context, raw string) (ServiceIdentity, error) {
	if v.audience == "" {
		return ServiceIdentity{}, errors.New("auth: oidc audience not configured")
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, claims, v.cache.Keyfunc(ctx)); err != nil {
		return ServiceIdentity{}, err
	}
	issuer, _ := claims["iss"].(string)
	if len(v.issuers) > 0 {
		if _, ok := v.issuers[issuer]; !ok {
			return ServiceIdentity{}, errors.New("auth: oidc issuer mismatch")
		}
	}
	if !claims.VerifyAudience(v.audience, true) {
		return ServiceIdentity{}, errors.New("auth: oidc audience mismatch")
	}
	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	return ServiceIdentity{Subject: subject, Email: email, Issuer: issuer}, nil
}

// RequireOIDC rejects requests without a valid bearer ID token.
func (v *OIDCValidator) RequireOIDC() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("service token missing", http.StatusUnauthorized))
				return
			}
			identity, err := v.Verify(ctx, token)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrJWKSFetchFailed) {
					status = http.StatusServiceUnavailable
				}
				requestctx.Logger(ctx).Warn("oidc verification failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("service token verification failed", status))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
