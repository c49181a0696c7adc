package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/rs/zerolog"
)

// PersonsHandler handles person registration, listing, deletion and enrollment.
type PersonsHandler struct {
	service *recognition.Service
	logger  zerolog.Logger
}

// NewPersonsHandler creates a new persons handler.
func NewPersonsHandler(svc *recognition.Service, logger zerolog.Logger) *PersonsHandler {
	return &PersonsHandler{service: svc, logger: logger}
}

// PersonListResponse is one page of persons.
type PersonListResponse struct {
	Persons []database.Person `json:"persons"`
	Total   int               `json:"total"`
	Page    int               `json:"page"`
	PerPage int               `json:"per_page"`
}

// CreatePersonRequest is the body of POST /persons.
type CreatePersonRequest struct {
	PersonID string `json:"person_id"`
	Name     string `json:"name"`
}

// positiveQueryInt parses a query parameter, returning def when it is absent.
func positiveQueryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

// List returns persons ordered by person_id, paginated by page and per_page.
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := positiveQueryInt(r, "page", 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := positiveQueryInt(r, "per_page", constants.DefaultPersonPageSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if perPage > constants.MaxPersonPageSize {
		perPage = constants.MaxPersonPageSize
	}

	result, err := h.service.ListPersons(r.Context(), (page-1)*perPage, perPage)
	if err != nil {
		respondAppError(w, h.logger, "list persons", err)
		return
	}

	persons := result.Persons
	if persons == nil {
		persons = []database.Person{}
	}
	respondJSON(w, http.StatusOK, PersonListResponse{
		Persons: persons,
		Total:   result.Total,
		Page:    page,
		PerPage: perPage,
	})
}

// Create registers a new person.
func (h *PersonsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePersonRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	person, err := h.service.RegisterPerson(r.Context(), req.PersonID, req.Name)
	if err != nil {
		respondAppError(w, h.logger, "create person", err)
		return
	}
	h.logger.Info().Str("person_id", sanitizeForLog(person.PersonID)).Msg("person registered")
	respondJSON(w, http.StatusCreated, person)
}

// Get returns a single person with their embedding count.
func (h *PersonsHandler) Get(w http.ResponseWriter, r *http.Request) {
	person, err := h.service.GetPerson(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, h.logger, "get person", err)
		return
	}
	respondJSON(w, http.StatusOK, person)
}

// Delete removes a person and all of their embeddings.
func (h *PersonsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.DeletePerson(r.Context(), id); err != nil {
		respondAppError(w, h.logger, "delete person", err)
		return
	}
	h.logger.Info().Str("person_id", sanitizeForLog(id)).Msg("person deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "person_id": id})
}

// Train enrolls the multipart "images" files for an existing person.
func (h *PersonsHandler) Train(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no images provided")
		return
	}

	inputs := make([]recognition.ImageInput, 0, len(files))
	for _, fh := range files {
		data, err := readUpload(fh)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		inputs = append(inputs, recognition.ImageInput{Source: fh.Filename, Data: data})
	}

	id := chi.URLParam(r, "id")
	result, err := h.service.Enroll(r.Context(), id, inputs)
	if err != nil {
		respondAppError(w, h.logger, "train person", err)
		return
	}
	h.logger.Info().
		Str("person_id", sanitizeForLog(id)).
		Int("images", result.ImagesProcessed).
		Int("added", result.EmbeddingsAdded).
		Int("skipped", len(result.Skipped)).
		Msg("person trained")
	respondJSON(w, http.StatusOK, result)
}

// readUpload reads one uploaded file, rejecting files above MaxImageBytes.
func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > constants.MaxImageBytes {
		return nil, fmt.Errorf("file %s exceeds %d bytes", fh.Filename, constants.MaxImageBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %s", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, constants.MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %s", fh.Filename)
	}
	if len(data) > constants.MaxImageBytes {
		return nil, fmt.Errorf("file %s exceeds %d bytes", fh.Filename, constants.MaxImageBytes)
	}
	return data, nil
}
