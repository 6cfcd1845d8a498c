package api

import (
	"context"
	"net/http"

	"github.com/hyperengineering/herdsync/internal/validation"
	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

// deviceIDContextKey is the context key for the calling device ID.
type deviceIDContextKey struct{}

// maxDeviceIDLength bounds the X-Device-ID header.
const maxDeviceIDLength = 128

// WithDeviceID returns a new context with the device ID attached.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceIDContextKey{}, id)
}

// DeviceIDFromContext extracts the device ID from the context.
// Returns "" if the caller did not identify itself.
func DeviceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDContextKey{}).(string)
	return id
}

// DeviceMiddleware puts the X-Device-ID header into the request context.
// A malformed header is rejected with 400.
func DeviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(syncapi.HeaderDeviceID)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		c := &validation.Collector{}
		c.Add(validation.ValidateMaxLength(syncapi.HeaderDeviceID, id, maxDeviceIDLength))
		c.Add(validation.ValidateNoNullBytes(syncapi.HeaderDeviceID, id))
		c.Add(validation.ValidateUTF8(syncapi.HeaderDeviceID, id))
		if c.HasErrors() {
			WriteProblem(w, r, http.StatusBadRequest, c.Summary())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithDeviceID(r.Context(), id)))
	})
}
