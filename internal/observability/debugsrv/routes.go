package debugsrv

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"slices"
	"strings"

	"golang.org/x/time/rate"
)

// Failed token checks are limited to one per second with a burst of five;
// beyond that the server answers 429 without comparing.
const (
	authFailRate  = rate.Limit(1)
	authFailBurst = 5
)

func (s *Service) handler(cur Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	names := make([]string, 0, len(s.status))
	for name := range s.status {
		names = append(names, name)
	}
	slices.Sort(names)
	mux.HandleFunc("GET /status/{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, names)
	})
	mux.HandleFunc("GET /status/{name}", func(w http.ResponseWriter, r *http.Request) {
		fn, ok := s.status[r.PathValue("name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, fn())
	})

	prefix := normalizePrefix(cur.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, pprofIndexAt(prefix))
	mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
	mux.HandleFunc(base+"/profile", hpprof.Profile)
	mux.HandleFunc(base+"/symbol", hpprof.Symbol)
	mux.HandleFunc(base+"/trace", hpprof.Trace)
	mux.Handle(base, http.RedirectHandler(prefix, http.StatusPermanentRedirect))

	return newGuard(cur.Token).wrap(mux)
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(b, '\n'))
}

// guard requires "Authorization: Bearer <token>" or "?token=<token>" when a
// token is configured.
type guard struct {
	token []byte
	fails *rate.Limiter
}

func newGuard(token string) *guard {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return nil
	}
	return &guard{token: []byte(tok), fails: rate.NewLimiter(authFailRate, authFailBurst)}
}

func (g *guard) wrap(next http.Handler) http.Handler {
	if g == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.fails.Tokens() < 1 {
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented(r)), g.token) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		g.fails.Allow()
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func presented(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

func normalizePrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		return "/debug/pprof/"
	}
	return "/" + p + "/"
}

// pprofIndexAt serves pprof.Index under a custom prefix; Index itself only
// understands paths rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

// IsLoopbackAddr reports whether host:port names a loopback host. An empty
// host binds every interface and is not loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
