package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/instances"
)

const defaultLogTail = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StartInstanceRequest is the wire shape of POST /instances.
type StartInstanceRequest struct {
	ImageID    string            `json:"image_id"`
	Port       *int              `json:"port,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	SkipProbes bool              `json:"skip_probes,omitempty"`
}

func (s *ApiService) ListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.InstanceManager.ListInstances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *ApiService) StartInstance(w http.ResponseWriter, r *http.Request) {
	var req StartInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	inst, err := s.InstanceManager.StartInstance(r.Context(), instances.StartRequest{
		ImageID:    req.ImageID,
		Port:       req.Port,
		Env:        req.Env,
		SkipProbes: req.SkipProbes,
	})
	if err != nil {
		switch {
		case errors.Is(err, images.ErrNotFound):
			writeError(w, http.StatusNotFound, "image_not_found", err)
		case errors.Is(err, instances.ErrStartupResolution):
			writeError(w, http.StatusUnprocessableEntity, "startup_resolution", err)
		case errors.Is(err, instances.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "already_running", err)
		case errors.Is(err, instances.ErrPortInUse):
			writeError(w, http.StatusConflict, "port_in_use", err)
		case errors.Is(err, instances.ErrServiceUnavailable):
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err)
		default:
			writeError(w, http.StatusInternalServerError, "internal", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *ApiService) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.InstanceManager.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *ApiService) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	err := s.InstanceManager.DeleteInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetInstanceLogs returns recent log output. With follow=true the
// connection is upgraded to a websocket that streams lines as the
// process writes them.
func (s *ApiService) GetInstanceLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tail := defaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", errors.New("tail must be a non-negative integer"))
			return
		}
		tail = n
	}

	if r.URL.Query().Get("follow") == "true" {
		s.followInstanceLogs(w, r, id, tail)
		return
	}

	logs, err := s.InstanceManager.GetInstanceLogs(r.Context(), id, tail)
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(logs))
}

func (s *ApiService) followInstanceLogs(w http.ResponseWriter, r *http.Request, id string, tail int) {
	lines, err := s.InstanceManager.FollowInstanceLogs(r.Context(), id, tail)
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for line := range lines {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
}
