//go:build swagger

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// MountSwagger serves the registered swag document and its UI under /swagger.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/doc.json", func(w http.ResponseWriter, _ *http.Request) {
		doc, err := swag.ReadDoc()
		if err != nil {
			writeJSONError(w, http.StatusNotFound, typeInvalidRequest, "not_found", "swagger document not generated")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(doc))
	})
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
