package middleware

import (
	"context"
	"net/http"

	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
	"github.com/zhouzirui/memorial-call/backend/pkg/utils"
)

type identityKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity placed by Authenticate.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity.Identity)
	return id, ok
}

// Authenticate validates the Authorization bearer credential.
func Authenticate(v identity.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				utils.RespondError(w, apperr.New(apperr.KindAuthentication, apperr.CodeAuthRequired, "bearer credential is required"))
				return
			}
			id, err := v.Verify(header)
			if err != nil {
				utils.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireOperator rejects identities without the operator role. It must run
// after Authenticate.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || !id.IsOperator() {
			utils.RespondError(w, apperr.New(apperr.KindAuthorization, apperr.CodeOperatorRequired, "operator role is required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
