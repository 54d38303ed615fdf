package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractClinicID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Clinic-ID", "clinic_abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cid := extractClinicID(c, "default")
	if cid != "clinic_abc" {
		t.Errorf("expected clinic_abc, got %s", cid)
	}
}

func TestExtractClinicID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?clinic_id=clinic_xyz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cid := extractClinicID(c, "default")
	if cid != "clinic_xyz" {
		t.Errorf("expected clinic_xyz, got %s", cid)
	}
}

func TestExtractClinicID_FromJWT(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_clinic_id", "jwt_clinic")

	cid := extractClinicID(c, "default")
	if cid != "jwt_clinic" {
		t.Errorf("expected jwt_clinic, got %s", cid)
	}
}

func TestExtractClinicID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cid := extractClinicID(c, "default")
	if cid != "default" {
		t.Errorf("expected default, got %s", cid)
	}
}

func TestExtractClinicID_Priority(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?clinic_id=query", nil)
	req.Header.Set("X-Clinic-ID", "header")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_clinic_id", "jwt")

	// JWT claim takes highest priority
	cid := extractClinicID(c, "default")
	if cid != "jwt" {
		t.Errorf("expected jwt (highest priority), got %s", cid)
	}
}

func TestExtractClinicID_EmptyJWT(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Clinic-ID", "header_clinic")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_clinic_id", "")

	cid := extractClinicID(c, "default")
	if cid != "header_clinic" {
		t.Errorf("expected header_clinic when JWT claim is empty, got %s", cid)
	}
}

func TestClinicIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"ABC", true},
		{"clinic_1", true},
		{"A1B2C3", true},
		{"a", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"a/b", false},
		{"", false},
		{"'; DROP TABLE", false},
		{"clinic@1", false},
	}

	for _, tt := range tests {
		got := clinicIDPattern.MatchString(tt.input)
		if got != tt.valid {
			t.Errorf("clinicIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestConnFromContext_Nil(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Error("expected nil conn from empty context")
	}
}

func TestConnFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if conn := ConnFromContext(ctx); conn != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestClinicFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), ClinicIDKey, "test_clinic")
	if cid := ClinicFromContext(ctx); cid != "test_clinic" {
		t.Errorf("expected test_clinic, got %s", cid)
	}

	if empty := ClinicFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestCreateClinicSchema_InvalidID(t *testing.T) {
	invalidIDs := []string{"clinic-with-dash", "clinic.with.dot", "cli nic", "drop;table", ""}
	for _, id := range invalidIDs {
		if err := CreateClinicSchema(context.Background(), nil, id, ""); err == nil {
			t.Errorf("expected error for invalid clinic ID %q", id)
		}
	}
}
