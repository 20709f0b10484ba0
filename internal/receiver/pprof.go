package receiver

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

const pprofPrefix = "/debug/pprof/"

func registerPprof(mux *http.ServeMux, token string) {
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(token, h) }
	mux.Handle("GET "+pprofPrefix, wrap(hpprof.Index))
	mux.Handle("GET "+pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.Handle("GET "+pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.Handle("GET "+pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.Handle("GET "+pprofPrefix+"trace", wrap(hpprof.Trace))
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.Handler {
	tok := []byte(strings.TrimSpace(token))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), tok) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	})
}
