package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"yield-vault/internal/domain"
	"yield-vault/internal/observability"
	"yield-vault/internal/vault"
)

// SignerHeader carries the base58 key of the transaction signer. The
// front end that sets it is trusted to have verified the signature.
const SignerHeader = "X-Signer"

type contextKey string

const signerKey contextKey = "signer"

// Signer resolves SignerHeader into the request context. A missing header
// yields an unsigned signer, which every vault operation rejects.
func Signer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(SignerHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		key, err := domain.ParseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+SignerHeader+" header", "")
			return
		}
		ctx := context.WithValue(r.Context(), signerKey, vault.SignedBy(key))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SignerFromContext returns the signer set by Signer.
func SignerFromContext(ctx context.Context) vault.Signer {
	s, _ := ctx.Value(signerKey).(vault.Signer)
	return s
}

// recordMetrics counts responses by route pattern and status code.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		observability.RecordHTTPRequest(route, code)
	})
}
