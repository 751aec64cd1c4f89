package json

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondJSON_Headers(t *testing.T) {
	w := httptest.NewRecorder()
	if err := RespondJSON(w, http.StatusCreated, map[string]string{"id": "abc"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("unexpected Content-Type %q", ct)
	}
	if xcto := w.Header().Get("X-Content-Type-Options"); xcto != "nosniff" {
		t.Errorf("expected nosniff, got %q", xcto)
	}
}

func TestRespondJSON_Body(t *testing.T) {
	w := httptest.NewRecorder()
	if err := RespondJSON(w, http.StatusOK, map[string]any{"cmd": "stress-ng --cpu 2", "n": float64(7)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("response body is not valid JSON: %v", err)
	}
	if got["cmd"] != "stress-ng --cpu 2" {
		t.Errorf("unexpected cmd %v", got["cmd"])
	}
	if got["n"] != float64(7) {
		t.Errorf("unexpected n %v", got["n"])
	}
}

func TestRespondJSON_NoHTMLEscape(t *testing.T) {
	w := httptest.NewRecorder()
	if err := RespondJSON(w, http.StatusOK, map[string]string{"out": "x > 1 && y < 2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(w.Body.String(), "\\u0026") {
		t.Errorf("expected & not to be escaped, body: %s", w.Body.String())
	}
}

func TestDecodeJSON_Success(t *testing.T) {
	r := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"memory":"2g","cpu_count":2}`))

	var dst struct {
		Memory   string `json:"memory"`
		CPUCount int    `json:"cpu_count"`
	}
	if err := DecodeJSON(context.Background(), r, &dst); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dst.Memory != "2g" || dst.CPUCount != 2 {
		t.Errorf("unexpected decode result: %+v", dst)
	}
}

func TestDecodeJSON_UnknownFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"memory":"2g","bogus":true}`))

	var dst struct {
		Memory string `json:"memory"`
	}
	err := DecodeJSON(context.Background(), r, &dst)
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "invalid json") {
		t.Errorf("expected 'invalid json' in error, got %v", err)
	}
}

func TestDecodeJSON_TrailingData(t *testing.T) {
	r := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"memory":"2g"}{"memory":"4g"}`))

	var dst struct {
		Memory string `json:"memory"`
	}
	err := DecodeJSON(context.Background(), r, &dst)
	if err == nil {
		t.Fatal("expected error for trailing data, got nil")
	}
	if !strings.Contains(err.Error(), "trailing data") {
		t.Errorf("expected 'trailing data' in error, got %v", err)
	}
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	big := strings.Repeat("x", 1<<20+64)
	r := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"memory":"`+big+`"}`))

	var dst struct {
		Memory string `json:"memory"`
	}
	if err := DecodeJSON(context.Background(), r, &dst); err == nil {
		t.Fatal("expected error for oversized body, got nil")
	}
}
