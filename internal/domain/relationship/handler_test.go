package relationship

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/platform/auth"
)

type testServer struct {
	f *fixture
	e *echo.Echo
}

func newTestServer() *testServer {
	f := newFixture(Config{})
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return &testServer{f: f, e: e}
}

func (s *testServer) do(t *testing.T, method, path, body, userID string, roles ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, roles))
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
	"patient_id": "patient-1",
	"related_person_id": "therapist-1",
	"related_person_name": "Dr. Rivera",
	"relationship_type": "primary_therapist",
	"access_level": "full"
}`

func TestHandler_RelationshipAccessFlow(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/v1/relationships", createBody, "admin-1", auth.RoleAdmin)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created View
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Status != StatusPending || created.CreatedBy != "admin-1" {
		t.Errorf("unexpected created relationship %+v", created.Relationship)
	}
	if len(created.EffectivePermissions) != 0 {
		t.Errorf("expected no effective permissions while pending, got %v", created.EffectivePermissions)
	}

	rec = s.do(t, http.MethodPut, "/api/v1/relationships/"+created.RelationshipID+"/status",
		`{"status":"active","justification":"signed consent on file"}`, "sup-1", auth.RoleSupervisor)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var activated View
	json.Unmarshal(rec.Body.Bytes(), &activated)
	if activated.Status != StatusActive || len(activated.EffectivePermissions) == 0 {
		t.Errorf("unexpected activated relationship %+v", activated)
	}

	body, _ := json.Marshal(map[string]string{
		"patient_id":         "patient-1",
		"access_type":        "read_therapy_notes",
		"resource_requested": "therapy_notes/session-42",
		"justification":      longJustification,
	})
	rec = s.do(t, http.MethodPost, "/api/v1/relationships/"+created.RelationshipID+"/access-requests",
		string(body), "therapist-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("access request: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ar AccessRequest
	json.Unmarshal(rec.Body.Bytes(), &ar)
	if ar.Status != AccessRequestPending || ar.RequestedBy != "therapist-1" {
		t.Errorf("unexpected access request %+v", ar)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/access-requests/"+ar.RequestID, "", "therapist-1")
	if rec.Code != http.StatusOK {
		t.Errorf("get access request: expected 200, got %d", rec.Code)
	}
}

func TestHandler_CreateRelationship_Roles(t *testing.T) {
	s := newTestServer()
	if rec := s.do(t, http.MethodPost, "/api/v1/relationships", createBody, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/relationships", createBody, "fam-1", "family"); rec.Code != http.StatusForbidden {
		t.Errorf("family member: expected 403, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/relationships", createBody, "clin-1", auth.RoleClinician); rec.Code != http.StatusCreated {
		t.Errorf("clinician: expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateRelationship_Invalid(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodPost, "/api/v1/relationships",
		`{"patient_id":"patient-1","relationship_type":"neighbour","access_level":"full"}`, "admin-1", auth.RoleAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_UpdateStatus_ClinicianForbidden(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodPut, "/api/v1/relationships/any/status",
		`{"status":"active","justification":"x"}`, "clin-1", auth.RoleClinician)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_GetRelationship_NotFound(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodGet, "/api/v1/relationships/missing", "", "co-1", auth.RoleComplianceOfficer)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListPatientRelationships(t *testing.T) {
	s := newTestServer()
	s.do(t, http.MethodPost, "/api/v1/relationships", createBody, "admin-1", auth.RoleAdmin)
	s.do(t, http.MethodPost, "/api/v1/relationships", createBody, "admin-1", auth.RoleAdmin)

	rec := s.do(t, http.MethodGet, "/api/v1/patients/patient-1/relationships", "", "clin-1", auth.RoleClinician)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Relationships []View `json:"relationships"`
		Total         int    `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 || len(body.Relationships) != 2 {
		t.Errorf("expected 2 relationships, got %d", body.Total)
	}
}

func TestHandler_AccessRequest_Denied(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodPost, "/api/v1/relationships", createBody, "admin-1", auth.RoleAdmin)
	var created View
	json.Unmarshal(rec.Body.Bytes(), &created)

	body, _ := json.Marshal(map[string]string{
		"patient_id":         "patient-1",
		"access_type":        "read_therapy_notes",
		"resource_requested": "therapy_notes/session-42",
		"justification":      longJustification,
	})
	rec = s.do(t, http.MethodPost, "/api/v1/relationships/"+created.RelationshipID+"/access-requests",
		string(body), "therapist-1")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for pending relationship, got %d", rec.Code)
	}
}

func TestHandler_ClaimedIdentityRejected(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodPost, "/api/v1/relationships", createBody, "admin-1", auth.RoleAdmin)
	var created View
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = s.do(t, http.MethodPut, "/api/v1/relationships/"+created.RelationshipID+"/status",
		`{"status":"active","changed_by":"sup-other","justification":"signed consent on file"}`, "sup-1", auth.RoleSupervisor)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("changed_by for another user: expected 403, got %d", rec.Code)
	}
	got, _ := s.f.svc.Get(context.Background(), created.RelationshipID)
	if got.Status != StatusPending {
		t.Errorf("expected relationship to stay pending, got %s", got.Status)
	}

	s.do(t, http.MethodPut, "/api/v1/relationships/"+created.RelationshipID+"/status",
		`{"status":"active","justification":"signed consent on file"}`, "sup-1", auth.RoleSupervisor)
	body, _ := json.Marshal(map[string]string{
		"requested_by":       "therapist-1",
		"patient_id":         "patient-1",
		"access_type":        "read_therapy_notes",
		"resource_requested": "therapy_notes/session-42",
		"justification":      longJustification,
	})
	rec = s.do(t, http.MethodPost, "/api/v1/relationships/"+created.RelationshipID+"/access-requests",
		string(body), "intruder-1")
	if rec.Code != http.StatusForbidden {
		t.Errorf("requested_by for another user: expected 403, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/relationships/"+created.RelationshipID+"/access-requests",
		`{"patient_id":"patient-1","access_type":"read_therapy_notes","resource_requested":"therapy_notes/session-42","justification":"`+longJustification+`"}`,
		"intruder-1")
	if rec.Code != http.StatusForbidden {
		t.Errorf("request through someone else's relationship: expected 403, got %d", rec.Code)
	}
}

func TestHandler_GetAccessRequest_OtherUserForbidden(t *testing.T) {
	s := newTestServer()
	rel := s.f.activeRelationship(t)
	ar, err := s.f.svc.CreateAccessRequest(context.Background(), rel.RelationshipID, accessInput(), audit.Source{})
	if err != nil {
		t.Fatal(err)
	}
	path := "/api/v1/access-requests/" + ar.RequestID
	if rec := s.do(t, http.MethodGet, path, "", "fam-9", "family"); rec.Code != http.StatusForbidden {
		t.Errorf("unrelated user: expected 403, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, path, "", "therapist-1"); rec.Code != http.StatusOK {
		t.Errorf("requester: expected 200, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, path, "", "co-1", auth.RoleComplianceOfficer); rec.Code != http.StatusOK {
		t.Errorf("compliance officer: expected 200, got %d", rec.Code)
	}
}
