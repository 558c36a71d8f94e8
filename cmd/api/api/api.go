package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/substratehq/bootman/cmd/api/config"
	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/instances"
)

// ApiService implements the control API handlers.
type ApiService struct {
	Config          *config.Config
	ImageManager    images.Manager
	InstanceManager instances.Manager
}

// New creates a new ApiService.
func New(
	config *config.Config,
	imageManager images.Manager,
	instanceManager instances.Manager,
) *ApiService {
	return &ApiService{
		Config:          config,
		ImageManager:    imageManager,
		InstanceManager: instanceManager,
	}
}

// Routes registers every control endpoint on a fresh router.
func (s *ApiService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.GetHealth)

	r.Route("/images", func(r chi.Router) {
		r.Get("/", s.ListImages)
		r.Post("/", s.CreateImage)
		r.Get("/{id}", s.GetImage)
		r.Delete("/{id}", s.DeleteImage)
	})

	r.Route("/instances", func(r chi.Router) {
		r.Get("/", s.ListInstances)
		r.Post("/", s.StartInstance)
		r.Get("/{id}", s.GetInstance)
		r.Delete("/{id}", s.DeleteInstance)
		r.Get("/{id}/logs", s.GetInstanceLogs)
	})

	return r
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}
