package transport

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lockstep-net/lockstep/pkg/logging"
)

// SessionBroker turns an SDP offer into an SDP answer, yielding a data
// channel out of band. The WebRTC stack behind it is an external
// collaborator; the runtime only fronts its HTTP exchange.
type SessionBroker interface {
	SessionRequest(offer []byte, remoteAddr string) (answer []byte, err error)
}

// SessionEndpoint is the HTTP front-end brokering session establishment:
// POST /<path> with an SDP offer body answers 200 with the SDP answer and a
// permissive CORS header; a POST refused by the optional rate limiter is 429;
// everything else is 404.
type SessionEndpoint struct {
	path    string
	broker  SessionBroker
	limiter *rate.Limiter
}

// NewSessionEndpoint builds the endpoint for the configured rtc path.
// maxRequestsPerSecond <= 0 disables throttling.
func NewSessionEndpoint(path string, broker SessionBroker, maxRequestsPerSecond float64) *SessionEndpoint {
	var limiter *rate.Limiter
	if maxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxRequestsPerSecond), int(maxRequestsPerSecond)+1)
	}
	return &SessionEndpoint{
		path:    "/" + strings.TrimPrefix(path, "/"),
		broker:  broker,
		limiter: limiter,
	}
}

func (e *SessionEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if r.Method != http.MethodPost || r.URL.Path != e.path {
		http.Error(w, "NOT FOUND", http.StatusNotFound)
		return
	}
	if e.limiter != nil && !e.limiter.Allow() {
		http.Error(w, "TOO MANY REQUESTS", http.StatusTooManyRequests)
		return
	}

	offer, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "NOT FOUND", http.StatusNotFound)
		return
	}

	answer, err := e.broker.SessionRequest(offer, r.RemoteAddr)
	if err != nil {
		logging.Info("session request rejected",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "NOT FOUND", http.StatusNotFound)
		return
	}

	logging.Info("session established", zap.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusOK)
	w.Write(answer)
}

// ListenAndServe serves the endpoint on addr. Blocks until the server stops.
func (e *SessionEndpoint) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, e)
}
