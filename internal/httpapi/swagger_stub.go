//go:build !swagger

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountSwagger answers /swagger/* with an OpenAI-shaped 404 that names the
// build tag, instead of the generic route-not-found body.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, typeInvalidRequest, "swagger_disabled",
			"API docs are not compiled in; rebuild lemond with -tags=swagger")
	})
}
