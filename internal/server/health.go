package server

import "net/http"

var (
	plainCT      = []string{"text/plain; charset=utf-8"}
	okBody       = []byte("ok\n")
	notReadyBody = []byte("not ready\n")
)

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz reports whether the gateway can serve traffic. With no check
// configured readiness is equivalent to liveness.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
