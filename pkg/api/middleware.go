package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/acnlabs/acn/pkg/auth"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/metrics"
)

// headerInternalToken guards the operator surface; compared in constant time.
const headerInternalToken = "X-Internal-Token"

// logRequests emits one structured line per request and feeds the API
// metrics. Placed before Recoverer so panics still produce a 500 line.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

			evt := s.logger.Info()
			if status >= http.StatusInternalServerError {
				evt = s.logger.Error()
			}
			evt.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("Request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// authenticate resolves credentials into a principal on the context.
// Requests without credentials pass through anonymously; handlers that
// need a caller use principal(). Invalid credentials fail here.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := r.Header.Get(headerInternalToken); token != "" {
			if err := s.auth.CheckOperatorToken(token); err != nil {
				writeError(w, err)
				return
			}
			ctx := auth.WithPrincipal(r.Context(), &auth.Principal{Kind: auth.PrincipalOperator, Subject: "operator"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			writeError(w, errs.E(errs.Unauthenticated, "authorization header must use the Bearer scheme"))
			return
		}

		p, err := s.auth.AuthenticateBearer(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// requireOperator guards the /internal surface.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.CheckOperatorToken(r.Header.Get(headerInternalToken)); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// principal returns the authenticated caller or writes a 401.
func principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, errs.E(errs.Unauthenticated, "authentication required"))
		return nil, false
	}
	return p, true
}

// actor is the identity ownership checks compare against: the JWT subject
// for humans, the agent id for agents, "" for operators. Service layers
// treat "" as the operator bypass.
func actor(p *auth.Principal) string {
	switch p.Kind {
	case auth.PrincipalOperator:
		return ""
	case auth.PrincipalAgent:
		return p.AgentID()
	default:
		return p.Subject
	}
}

// enforceSelf applies the agents-act-on-self rule: an agent principal may
// only name its own agent id in paths and from_agent fields.
func enforceSelf(w http.ResponseWriter, p *auth.Principal, agentID string) bool {
	if p.IsAgent() && agentID != "" && agentID != p.AgentID() {
		writeError(w, errs.E(errs.PermissionDenied, "agents may only act on themselves"))
		return false
	}
	return true
}

// ipLimiters hands out one token bucket per client IP. Buckets refill at
// perMinute/60 per second with a burst of perMinute, and live for the
// process lifetime; the IP space behind a deployment is small enough that
// eviction is not worth the bookkeeping.
type ipLimiters struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*rate.Limiter
}

func newIPLimiters(perMinute int) *ipLimiters {
	return &ipLimiters{perMinute: perMinute, buckets: make(map[string]*rate.Limiter)}
}

func (l *ipLimiters) allow(ip string) bool {
	if l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.buckets[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
		l.buckets[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimit rejects callers over the per-IP budget with a 429.
func (s *Server) rateLimit(l *ipLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP works with or without the RealIP middleware having already
// stripped the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
