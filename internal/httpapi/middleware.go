package httpapi

import (
	"context"
	"net/http"
	"strings"

	"castdeck/internal/domain"
	"castdeck/pkg/logx"
)

// Private context key type avoids collisions with other packages.
type contextKey struct{ name string }

var userCtxKey = &contextKey{"user"}

// requireUser decodes the Authorization header, resolves the token and
// attaches the (lazily created) local user to the request context. Requests
// without a valid bearer token get a 401 before the handler runs.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if header == "" || !ok || strings.TrimSpace(token) == "" {
			writeError(w, domain.ErrAuth)
			return
		}

		ident, err := s.resolver.Resolve(r.Context(), strings.TrimSpace(token))
		if err != nil {
			s.log.Debug("token rejected", logx.Err(err))
			writeError(w, domain.ErrAuth)
			return
		}

		user, err := s.store.GetOrCreateUser(r.Context(), ident.FID, ident.Username, ident.DisplayName, ident.AvatarURL)
		if err != nil {
			s.log.Error("user upsert failed", logx.Int64("fid", ident.FID), logx.Err(err))
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userCtxKey, user)
		next(w, r.WithContext(ctx))
	}
}

func userFrom(ctx context.Context) domain.User {
	u, _ := ctx.Value(userCtxKey).(domain.User)
	return u
}
