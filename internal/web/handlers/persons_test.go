package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/rs/zerolog"
)

func createPerson(t *testing.T, h *PersonsHandler, id, name string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(CreatePersonRequest{PersonID: id, Name: name})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons", bytes.NewReader(body))
	recorder := httptest.NewRecorder()
	h.Create(recorder, req)
	return recorder
}

func TestPersonsHandler_Create(t *testing.T) {
	svc, _ := testService(t)
	h := NewPersonsHandler(svc, zerolog.Nop())

	recorder := createPerson(t, h, "alice", "Alice")
	assertStatusCode(t, recorder, http.StatusCreated)
	var person map[string]any
	parseJSONResponse(t, recorder, &person)
	if person["person_id"] != "alice" || person["name"] != "Alice" {
		t.Errorf("unexpected person %v", person)
	}

	recorder = createPerson(t, h, "alice", "Alice Again")
	assertStatusCode(t, recorder, http.StatusConflict)
	assertJSONError(t, recorder, "conflict")
}

func TestPersonsHandler_CreateValidation(t *testing.T) {
	svc, _ := testService(t)
	h := NewPersonsHandler(svc, zerolog.Nop())

	tests := []struct {
		name     string
		personID string
		person   string
	}{
		{"empty id", "", "Alice"},
		{"bad id characters", "alice smith", "Alice"},
		{"empty name", "alice", ""},
		{"markup in name", "alice", "<script>"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := createPerson(t, h, tc.personID, tc.person)
			assertStatusCode(t, recorder, http.StatusBadRequest)
			assertJSONError(t, recorder, "validation")
		})
	}
}

func TestPersonsHandler_CreateInvalidBody(t *testing.T) {
	svc, _ := testService(t)
	h := NewPersonsHandler(svc, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons", bytes.NewBufferString("{not json"))
	recorder := httptest.NewRecorder()
	h.Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
}

func TestPersonsHandler_List(t *testing.T) {
	svc, _ := testService(t)
	h := NewPersonsHandler(svc, zerolog.Nop())
	for i := range 5 {
		createPerson(t, h, fmt.Sprintf("p%d", i), fmt.Sprintf("Person %d", i))
	}

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
		wantFirst string
	}{
		{"defaults", "", http.StatusOK, 5, "p0"},
		{"second page", "?page=2&per_page=2", http.StatusOK, 2, "p2"},
		{"past the end", "?page=9&per_page=2", http.StatusOK, 0, ""},
		{"per_page capped", "?per_page=1000", http.StatusOK, 5, "p0"},
		{"bad page", "?page=0", http.StatusBadRequest, 0, ""},
		{"bad per_page", "?per_page=abc", http.StatusBadRequest, 0, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/persons"+tc.query, nil)
			recorder := httptest.NewRecorder()
			h.List(recorder, req)

			assertStatusCode(t, recorder, tc.wantCode)
			if tc.wantCode != http.StatusOK {
				return
			}
			var page PersonListResponse
			parseJSONResponse(t, recorder, &page)
			if page.Total != 5 {
				t.Errorf("total = %d, want 5", page.Total)
			}
			if len(page.Persons) != tc.wantCount {
				t.Fatalf("got %d persons, want %d", len(page.Persons), tc.wantCount)
			}
			if tc.wantCount > 0 && page.Persons[0].PersonID != tc.wantFirst {
				t.Errorf("first = %s, want %s", page.Persons[0].PersonID, tc.wantFirst)
			}
		})
	}
}

func TestPersonsHandler_ListEmptyIsArray(t *testing.T) {
	svc, _ := testService(t)
	h := NewPersonsHandler(svc, zerolog.Nop())

	recorder := httptest.NewRecorder()
	h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/persons", nil))

	var body map[string]any
	parseJSONResponse(t, recorder, &body)
	if _, ok := body["persons"].([]any); !ok {
		t.Errorf("persons should be an empty array, got %v", body["persons"])
	}
}

func TestPersonsHandler_GetAndDelete(t *testing.T) {
	svc, _ := testService(t)
	h := NewPersonsHandler(svc, zerolog.Nop())
	createPerson(t, h, "alice", "Alice")

	get := func() *httptest.ResponseRecorder {
		req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/persons/alice", nil), map[string]string{"id": "alice"})
		recorder := httptest.NewRecorder()
		h.Get(recorder, req)
		return recorder
	}
	del := func() *httptest.ResponseRecorder {
		req := requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/api/v1/persons/alice", nil), map[string]string{"id": "alice"})
		recorder := httptest.NewRecorder()
		h.Delete(recorder, req)
		return recorder
	}

	recorder := get()
	assertStatusCode(t, recorder, http.StatusOK)
	var person map[string]any
	parseJSONResponse(t, recorder, &person)
	if person["num_embeddings"] != float64(0) {
		t.Errorf("num_embeddings = %v, want 0", person["num_embeddings"])
	}

	assertStatusCode(t, del(), http.StatusOK)

	recorder = get()
	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "not_found")

	recorder = del()
	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "not_found")
}

func TestPersonsHandler_Train(t *testing.T) {
	svc, _ := testService(t)
	h := NewPersonsHandler(svc, zerolog.Nop())
	createPerson(t, h, "alice", "Alice")

	req := multipartRequest(t, "/api/v1/persons/alice/train", "images", map[string][]byte{
		"a.png":   solidPNG(t, color.RGBA{R: 255, A: 255}),
		"bad.txt": []byte("not an image"),
	}, nil)
	req = requestWithChiParams(req, map[string]string{"id": "alice"})
	recorder := httptest.NewRecorder()
	h.Train(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var result recognition.EnrollResult
	parseJSONResponse(t, recorder, &result)
	if result.ImagesProcessed != 2 || result.EmbeddingsAdded != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Source != "bad.txt" {
		t.Errorf("skipped = %+v, want bad.txt", result.Skipped)
	}

	p, err := svc.GetPerson(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.NumEmbeddings != 1 {
		t.Errorf("NumEmbeddings = %d, want 1", p.NumEmbeddings)
	}
}

func TestPersonsHandler_TrainErrors(t *testing.T) {
	svc, _ := testService(t)
	h := NewPersonsHandler(svc, zerolog.Nop())

	t.Run("unknown person", func(t *testing.T) {
		req := multipartRequest(t, "/api/v1/persons/ghost/train", "images", map[string][]byte{
			"a.png": solidPNG(t, color.White),
		}, nil)
		req = requestWithChiParams(req, map[string]string{"id": "ghost"})
		recorder := httptest.NewRecorder()
		h.Train(recorder, req)

		assertStatusCode(t, recorder, http.StatusNotFound)
		assertJSONError(t, recorder, "not_found")
	})

	t.Run("no images", func(t *testing.T) {
		req := multipartRequest(t, "/api/v1/persons/alice/train", "images", nil, map[string]string{"note": "x"})
		req = requestWithChiParams(req, map[string]string{"id": "alice"})
		recorder := httptest.NewRecorder()
		h.Train(recorder, req)

		assertStatusCode(t, recorder, http.StatusBadRequest)
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/persons/alice/train", bytes.NewBufferString("{}"))
		req = requestWithChiParams(req, map[string]string{"id": "alice"})
		recorder := httptest.NewRecorder()
		h.Train(recorder, req)

		assertStatusCode(t, recorder, http.StatusBadRequest)
	})
}
