package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/shepherd/internal/history"
)

func TestSendIndexesByEventID(t *testing.T) {
	var (
		gotPath string
		gotBody history.Event
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	s := New(ts.URL+"/", "")
	err := s.Send(context.Background(), history.Event{ID: "e1", Type: history.EventServiceRestart, Actor: "watchdog", Subject: "runner"})
	require.NoError(t, err)
	assert.Equal(t, "PUT /shepherd-events/_doc/e1", gotPath)
	assert.Equal(t, "runner", gotBody.Subject)
	assert.Equal(t, history.EventServiceRestart, gotBody.Type)
}

func TestSendReportsRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mapper_parsing_exception", http.StatusBadRequest)
	}))
	defer ts.Close()

	err := New(ts.URL, "audit").Send(context.Background(), history.Event{ID: "e2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
