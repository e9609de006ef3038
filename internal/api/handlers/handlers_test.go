package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/medtrack/go-medtrack/internal/api/handlers"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/refill"
	"github.com/medtrack/go-medtrack/internal/domain/user"
	"github.com/medtrack/go-medtrack/internal/infrastructure/sqlite"
	"github.com/medtrack/go-medtrack/internal/infrastructure/sqlite/sqlitetest"
	"github.com/medtrack/go-medtrack/internal/service"
)

type testAPI struct {
	server *httptest.Server
	store  *sqlite.Store
}

func newTestAPI(t *testing.T, apiKeys map[string]string) *testAPI {
	t.Helper()
	store := sqlitetest.NewTestStore(t)
	ctx := context.Background()

	for _, u := range []user.User{
		{ID: "patient-1", Name: "Ada", Role: user.RolePatient, Enabled: true},
		{ID: "patient-2", Name: "Bob", Role: user.RolePatient, Enabled: true},
		{ID: "pharm-1", Name: "Grace", Role: user.RolePharmacist, Enabled: true},
	} {
		if err := store.SaveUser(ctx, u); err != nil {
			t.Fatalf("seeding user: %v", err)
		}
	}
	err := store.SavePrescription(ctx, prescription.Prescription{
		ID:               "rx-1",
		PatientID:        "patient-1",
		DoctorID:         "doctor-1",
		Medications:      []prescription.Medication{{Name: "Metformin", Dosage: "500mg"}},
		Status:           prescription.StatusActive,
		RefillLimit:      1,
		RefillsRemaining: 1,
	})
	if err != nil {
		t.Fatalf("seeding prescription: %v", err)
	}

	dispatcher := service.NewStoreDispatcher(store)
	router := handlers.NewRouter(handlers.RouterConfig{
		Refills:       service.NewRefillService(store, store, store, dispatcher, service.DefaultRefillConfig(), nil, nil),
		Reminders:     service.NewReminderService(store, store, dispatcher, time.UTC, nil, nil),
		Adherence:     service.NewAdherenceService(store, store, store, store, store, time.UTC, 7, nil),
		Notifications: service.NewNotificationService(store, nil),
		Prescriptions: store,
		Store:         store,
		APIKeys:       apiKeys,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testAPI{server: srv, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, userID, role, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.server.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if role != "" {
		req.Header.Set("X-Role", role)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (body %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t, nil)

	expectStatus(t, api.do(t, http.MethodGet, "/health", "", "", ""), http.StatusOK)
	expectStatus(t, api.do(t, http.MethodGet, "/ready", "", "", ""), http.StatusOK)
}

func TestIdentityRequired(t *testing.T) {
	api := newTestAPI(t, nil)

	tests := []struct {
		name   string
		path   string
		userID string
		role   string
		want   int
	}{
		{"missing user", "/api/v1/patient/dashboard", "", "PATIENT", http.StatusUnauthorized},
		{"unknown role", "/api/v1/patient/dashboard", "patient-1", "NURSE", http.StatusUnauthorized},
		{"wrong role", "/api/v1/pharmacist/dashboard", "patient-1", "PATIENT", http.StatusForbidden},
		{"lowercase role accepted", "/api/v1/patient/dashboard", "patient-1", "patient", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, api.do(t, http.MethodGet, tt.path, tt.userID, tt.role, ""), tt.want)
		})
	}
}

func TestAPIKeyEnforcedWhenConfigured(t *testing.T) {
	api := newTestAPI(t, map[string]string{"k1": "mobile"})

	resp := api.do(t, http.MethodGet, "/api/v1/patient/dashboard", "patient-1", "PATIENT", "")
	expectStatus(t, resp, http.StatusUnauthorized)

	req, _ := http.NewRequest(http.MethodGet, api.server.URL+"/api/v1/patient/dashboard", nil)
	req.Header.Set("X-API-Key", "k1")
	req.Header.Set("X-User-ID", "patient-1")
	req.Header.Set("X-Role", "PATIENT")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
}

func TestRefillWorkflowOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/patient/prescriptions/rx-1/refill-requests",
		"patient-1", "PATIENT", `{"note":"running low"}`)
	expectStatus(t, resp, http.StatusCreated)
	var opened service.Outcome
	decodeBody(t, resp, &opened)
	if opened.Request.Status != refill.StatusRequested || opened.Request.PharmacistID != "pharm-1" {
		t.Fatalf("unexpected request %+v", opened.Request)
	}
	if len(opened.Notifications) != 2 {
		t.Errorf("notifications = %d, want 2", len(opened.Notifications))
	}

	// second request while one is active
	resp = api.do(t, http.MethodPost, "/api/v1/patient/prescriptions/rx-1/refill-requests",
		"patient-1", "PATIENT", "")
	expectStatus(t, resp, http.StatusUnprocessableEntity)

	// another patient's prescription
	resp = api.do(t, http.MethodPost, "/api/v1/patient/prescriptions/rx-1/refill-requests",
		"patient-2", "PATIENT", "")
	expectStatus(t, resp, http.StatusForbidden)

	resp = api.do(t, http.MethodGet, "/api/v1/pharmacist/orders/pending", "pharm-1", "PHARMACIST", "")
	expectStatus(t, resp, http.StatusOK)
	var pending []refill.Request
	decodeBody(t, resp, &pending)
	if len(pending) != 1 || pending[0].ID != opened.Request.ID {
		t.Fatalf("pending = %+v", pending)
	}

	path := fmt.Sprintf("/api/v1/pharmacist/orders/%s/status", opened.Request.ID)
	expectStatus(t, api.do(t, http.MethodPut, path, "pharm-1", "PHARMACIST", `{"status":"bogus"}`), http.StatusBadRequest)

	resp = api.do(t, http.MethodPut, path, "pharm-1", "PHARMACIST", "")
	expectStatus(t, resp, http.StatusOK)
	var moved service.Outcome
	decodeBody(t, resp, &moved)
	if moved.Request.Status != refill.StatusProcessing {
		t.Fatalf("status without a body = %s, want PROCESSING", moved.Request.Status)
	}
	expectStatus(t, api.do(t, http.MethodPut, path, "pharm-1", "PHARMACIST", `{}`), http.StatusOK)
	expectStatus(t, api.do(t, http.MethodPut, path, "pharm-1", "PHARMACIST", `{"status":"READY"}`), http.StatusOK)
	expectStatus(t, api.do(t, http.MethodPut, path, "pharm-1", "PHARMACIST", `{"status":"REQUESTED"}`), http.StatusUnprocessableEntity)

	resp = api.do(t, http.MethodPut, path, "pharm-1", "PHARMACIST", `{"status":"DISPENSED"}`)
	expectStatus(t, resp, http.StatusOK)
	var done service.Outcome
	decodeBody(t, resp, &done)
	if done.Prescription.RefillsRemaining != 0 || done.Prescription.Status != prescription.StatusCompleted {
		t.Errorf("prescription after dispense = %+v", done.Prescription)
	}

	resp = api.do(t, http.MethodGet, "/api/v1/patient/refill-requests", "patient-1", "PATIENT", "")
	expectStatus(t, resp, http.StatusOK)
	var mine []refill.Request
	decodeBody(t, resp, &mine)
	if len(mine) != 1 || mine[0].Status != refill.StatusDispensed {
		t.Errorf("patient refill requests = %+v", mine)
	}

	expectStatus(t, api.do(t, http.MethodPut, "/api/v1/pharmacist/orders/missing/status",
		"pharm-1", "PHARMACIST", `{"status":"READY"}`), http.StatusNotFound)
}

func TestRemindersAndDoses(t *testing.T) {
	api := newTestAPI(t, nil)

	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/patient/reminders", "patient-1", "PATIENT",
		`{"medicine_name":"Metformin","times":["25:00"]}`), http.StatusBadRequest)

	resp := api.do(t, http.MethodPost, "/api/v1/patient/reminders", "patient-1", "PATIENT",
		`{"medicine_name":"Metformin","dosage":"500mg","times":["08:00","20:00"]}`)
	expectStatus(t, resp, http.StatusCreated)
	var rem struct {
		ID     string   `json:"id"`
		Times  []string `json:"times"`
		Active bool     `json:"active"`
	}
	decodeBody(t, resp, &rem)
	if !rem.Active || len(rem.Times) != 2 {
		t.Fatalf("unexpected reminder %+v", rem)
	}

	base := "/api/v1/patient/reminders/" + rem.ID
	expectStatus(t, api.do(t, http.MethodPost, base+"/doses", "patient-1", "PATIENT", `{}`), http.StatusCreated)
	expectStatus(t, api.do(t, http.MethodPost, base+"/doses", "patient-1", "PATIENT", `{"status":"MISSED"}`), http.StatusCreated)
	expectStatus(t, api.do(t, http.MethodPost, base+"/doses", "patient-1", "PATIENT", `{"status":"LATE"}`), http.StatusBadRequest)
	expectStatus(t, api.do(t, http.MethodPost, base+"/doses", "patient-2", "PATIENT", `{}`), http.StatusForbidden)

	resp = api.do(t, http.MethodGet, "/api/v1/patient/reminders/calendar.ics", "patient-1", "PATIENT", "")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "BEGIN:VCALENDAR") {
		t.Errorf("calendar body missing VCALENDAR: %s", body)
	}
	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/patient/reminders/calendar.ics", "patient-2", "PATIENT", ""),
		http.StatusNotFound)

	resp = api.do(t, http.MethodGet, "/api/v1/patient/analytics?days=3", "patient-1", "PATIENT", "")
	expectStatus(t, resp, http.StatusOK)
	var a service.Analytics
	decodeBody(t, resp, &a)
	if len(a.Days) != 3 || a.ActiveReminders != 1 || a.TotalTaken != 1 {
		t.Errorf("unexpected analytics %+v", a)
	}
	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/patient/analytics?days=abc", "patient-1", "PATIENT", ""),
		http.StatusBadRequest)

	expectStatus(t, api.do(t, http.MethodPut, base, "patient-1", "PATIENT", `{"active":false}`), http.StatusOK)
	expectStatus(t, api.do(t, http.MethodDelete, base, "patient-2", "PATIENT", ""), http.StatusForbidden)
	expectStatus(t, api.do(t, http.MethodDelete, base, "patient-1", "PATIENT", ""), http.StatusNoContent)
	expectStatus(t, api.do(t, http.MethodDelete, base, "patient-1", "PATIENT", ""), http.StatusNotFound)
}

func TestNotificationInbox(t *testing.T) {
	api := newTestAPI(t, nil)

	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/patient/prescriptions/rx-1/refill-requests",
		"patient-1", "PATIENT", ""), http.StatusCreated)

	resp := api.do(t, http.MethodGet, "/api/v1/pharmacist/notifications", "pharm-1", "PHARMACIST", "")
	expectStatus(t, resp, http.StatusOK)
	var list []struct {
		ID   string `json:"id"`
		Read bool   `json:"read"`
	}
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("pharmacist notifications = %d, want 1", len(list))
	}

	readPath := "/api/v1/pharmacist/notifications/" + list[0].ID + "/read"
	expectStatus(t, api.do(t, http.MethodPut, "/api/v1/patient/notifications/"+list[0].ID+"/read",
		"patient-1", "PATIENT", ""), http.StatusForbidden)
	expectStatus(t, api.do(t, http.MethodPut, readPath, "pharm-1", "PHARMACIST", ""), http.StatusOK)

	resp = api.do(t, http.MethodGet, "/api/v1/pharmacist/dashboard", "pharm-1", "PHARMACIST", "")
	expectStatus(t, resp, http.StatusOK)
	var dash service.PharmacistDashboard
	decodeBody(t, resp, &dash)
	if dash.PendingOrders != 1 || dash.UnreadNotifications != 0 {
		t.Errorf("unexpected dashboard %+v", dash)
	}

	resp = api.do(t, http.MethodGet, "/api/v1/patient/notifications/unread-count", "patient-1", "PATIENT", "")
	expectStatus(t, resp, http.StatusOK)
	var unread map[string]int
	decodeBody(t, resp, &unread)
	if unread["unread"] != 1 {
		t.Errorf("patient unread = %d, want 1", unread["unread"])
	}
}

func TestPrescriptionFHIRExport(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(t, http.MethodGet, "/api/v1/patient/prescriptions/rx-1/fhir", "patient-1", "PATIENT", "")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/fhir+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Total        int    `json:"total"`
		Entry        []struct {
			Resource struct {
				Status string `json:"status"`
			} `json:"resource"`
		} `json:"entry"`
	}
	decodeBody(t, resp, &bundle)
	if bundle.ResourceType != "Bundle" || bundle.Total != 1 || bundle.Entry[0].Resource.Status != "active" {
		t.Errorf("unexpected bundle %+v", bundle)
	}

	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/patient/prescriptions/rx-1/fhir", "patient-2", "PATIENT", ""),
		http.StatusForbidden)
	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/patient/prescriptions/missing/fhir", "patient-1", "PATIENT", ""),
		http.StatusNotFound)
	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/patient/prescriptions/fhir", "patient-2", "PATIENT", ""),
		http.StatusOK)
}
