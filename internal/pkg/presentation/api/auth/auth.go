package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

type principalContextKey struct{ name string }

var principalCtxKey = &principalContextKey{"principal"}

var tracer = otel.Tracer("water-quality-mgmt/authz")

type Role string

const (
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
)

// Principal is the verified caller identity the policy engine yields.
type Principal struct {
	Name  string
	Roles []Role
}

func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Enticator interface {
	RequireRole(roles ...Role) func(http.Handler) http.Handler
}

type impl struct {
	query rego.PreparedEvalQuery
}

func NewAuthenticator(ctx context.Context, policies io.Reader) (Enticator, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.aquawatch.authz.allow"),
		rego.Module("authz.rego", string(module)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	return &impl{query: query}, nil
}

// RequireRole authenticates the bearer token through the policy engine and
// requires at least one of the given roles. Missing or bad credentials are
// 401; a verified caller without the role is 403.
func (a *impl) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error

			logger := logging.GetFromContext(r.Context())

			_, span := tracer.Start(r.Context(), "check-auth")
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			token := r.Header.Get("Authorization")

			if token == "" || !strings.HasPrefix(token, "Bearer ") {
				err = errors.New("authorization header missing")
				logger.Info(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			input := map[string]any{
				"token": token[7:],
			}

			results, err := a.query.Eval(r.Context(), rego.EvalInput(input))
			if err != nil {
				logger.Error("opa eval failed", "err", err.Error())
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if len(results) == 0 {
				err = errors.New("opa query could not be satisfied")
				logger.Error("auth failed", "err", err.Error())
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			binding := results[0].Bindings["x"]

			// a plain false means the token did not verify
			allowed, ok := binding.(bool)
			if ok && !allowed {
				err = errors.New("authentication failed")
				logger.Warn(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			result, ok := binding.(map[string]any)
			if !ok {
				err = errors.New("unexpected result type from policy engine")
				logger.Error("opa error", "err", err.Error())
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			principal := Principal{}

			if name, ok := result["principal"].(string); ok {
				principal.Name = name
			}

			if anyRoles, ok := result["roles"].([]any); ok {
				for _, anyRole := range anyRoles {
					if role, ok := anyRole.(string); ok {
						principal.Roles = append(principal.Roles, Role(role))
					}
				}
			}

			if principal.Name == "" {
				err = errors.New("policy engine yielded no principal")
				logger.Error("opa error", "err", err.Error())
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			hasRole := len(roles) == 0
			for _, required := range roles {
				if principal.HasRole(required) {
					hasRole = true
					break
				}
			}

			if !hasRole {
				err = fmt.Errorf("principal %s lacks required role", principal.Name)
				logger.Warn(err.Error())
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, principal)
}

func GetPrincipalFromContext(ctx context.Context) Principal {
	principal, ok := ctx.Value(principalCtxKey).(Principal)
	if !ok {
		return Principal{}
	}
	return principal
}
