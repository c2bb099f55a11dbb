package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(slotState SlotStateProvider) *Server {
	status := func() Status {
		return Status{Slot: "test_slot", Mode: "sql", Position: "0/16B6C50"}
	}
	return NewServer(status, slotState)
}

func getJSON(t *testing.T, handler http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Code, body
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(func(ctx context.Context) (SlotState, error) {
		return SlotState{}, nil
	})

	code, body := getJSON(t, srv.Handler(), "/status")
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "test_slot", data["slot"])
	assert.Equal(t, "sql", data["mode"])
	assert.Equal(t, "0/16B6C50", data["position"])
	assert.NotEmpty(t, data["uptime"])
}

func TestSlotsEndpoint(t *testing.T) {
	srv := testServer(func(ctx context.Context) (SlotState, error) {
		return SlotState{Name: "test_slot", Exists: true, Active: false}, nil
	})

	code, body := getJSON(t, srv.Handler(), "/slots")
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "test_slot", data["name"])
	assert.Equal(t, true, data["exists"])
	assert.Equal(t, false, data["active"])
}

func TestSlotsEndpointError(t *testing.T) {
	srv := testServer(func(ctx context.Context) (SlotState, error) {
		return SlotState{}, errors.New("connection refused")
	})

	code, body := getJSON(t, srv.Handler(), "/slots")
	require.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body["error"], "connection refused")
}

func TestUnknownPath(t *testing.T) {
	srv := testServer(func(ctx context.Context) (SlotState, error) {
		return SlotState{}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
