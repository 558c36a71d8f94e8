package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/manifest"
)

func (s *ApiService) ListImages(w http.ResponseWriter, r *http.Request) {
	list, err := s.ImageManager.ListImages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *ApiService) CreateImage(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.Config.MaxSourceBytes)
	defer body.Close()

	archive, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "source_too_large", err)
		return
	}

	img, err := s.ImageManager.CreateImage(r.Context(), images.CreateImageRequest{
		SourceArchive: archive,
	})
	if err != nil {
		switch {
		case errors.Is(err, images.ErrBuildInProgress):
			writeError(w, http.StatusConflict, "build_in_progress", err)
		case errors.Is(err, images.ErrInvalidName),
			errors.Is(err, manifest.ErrInvalidManifest),
			errors.Is(err, manifest.ErrInvalidEntrypoint):
			writeError(w, http.StatusBadRequest, "invalid_manifest", err)
		default:
			writeError(w, http.StatusInternalServerError, "internal", err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, img)
}

func (s *ApiService) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.ImageManager.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, images.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *ApiService) DeleteImage(w http.ResponseWriter, r *http.Request) {
	err := s.ImageManager.DeleteImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, images.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err)
		case errors.Is(err, images.ErrBuildInProgress):
			writeError(w, http.StatusConflict, "build_in_progress", err)
		default:
			writeError(w, http.StatusInternalServerError, "internal", err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
