package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	logx "taskpulse/pkg/logx"
)

const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID propagates an inbound X-Request-ID or mints a UUID, and echoes it
// on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// AccessLog writes one line per request through hlog.
func AccessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(log.Zerolog())(
			hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
				ev := hlog.FromRequest(r).Info()
				if status >= http.StatusInternalServerError {
					ev = hlog.FromRequest(r).Error()
				}
				ev.Str("comp", "http").
					Str("req_id", RequestIDFrom(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("route", routePattern(r)).
					Int("status", status).
					Int("size", size).
					Dur("dur", dur).
					Msg("request")
			})(
				hlog.UserAgentHandler("ua")(next),
			),
		)
	}
}
