package testbackend

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/2beens/donationadmin/pkg"

	log "github.com/sirupsen/logrus"
)

func panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("test backend: panic serving %s: %v\n%s", req.URL.Path, r, debug.Stack())
				pkg.WriteJSONResponse(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Tracef("test backend: ====> request [%s] path: [%s]", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// drainAndCloseRequest lets the client reuse its connection even when a
// handler rejected the request without reading the body.
func drainAndCloseRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if r.Body != nil {
			_, _ = io.Copy(io.Discard, r.Body)
			_ = r.Body.Close()
		}
	})
}
