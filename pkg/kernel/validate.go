package kernel

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

//go:embed openapi.yaml
var openapiSpec []byte

// loadRouter parses and validates the embedded API document.
func loadRouter(ctx context.Context) (routers.Router, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return router, nil
}

// validateRequests checks parameters and bodies against the API document.
// Requests the document does not describe fall through to chi.
func (s *Server) validateRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, params, err := s.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			msg := err.Error()
			var reqErr *openapi3filter.RequestError
			if errors.As(err, &reqErr) && reqErr.Parameter != nil && reqErr.Reason != "" {
				msg = fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, reqErr.Reason)
			}
			s.logger.Debug("request failed validation", "method", r.Method, "path", r.URL.Path, "error", msg)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
			return
		}
		next.ServeHTTP(w, r)
	})
}
