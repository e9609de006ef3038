package fhir

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
)

func samplePrescription() prescription.Prescription {
	validUntil := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return prescription.Prescription{
		ID:        "rx-1",
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		Medications: []prescription.Medication{
			{Name: "Metformin", Dosage: "500mg", Frequency: "twice daily", TimeOfDay: "morning, evening", Instructions: "with food"},
			{Name: "Lisinopril", Dosage: "10mg"},
		},
		Diagnosis:        "Type 2 diabetes",
		Notes:            "Review in 3 months",
		Status:           prescription.StatusActive,
		RefillLimit:      3,
		RefillsRemaining: 2,
		ValidUntil:       &validUntil,
		CreatedAt:        time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Version:          4,
	}
}

func TestFromPrescription(t *testing.T) {
	got := FromPrescription(samplePrescription())
	if len(got) != 2 {
		t.Fatalf("expected one request per medication, got %d", len(got))
	}

	first := got[0]
	if first.ID != "rx-1-1" || first.GroupIdentifier.Value != "rx-1" {
		t.Errorf("unexpected ids %s / %+v", first.ID, first.GroupIdentifier)
	}
	if first.Status != "active" || first.Intent != "order" {
		t.Errorf("status/intent = %s/%s", first.Status, first.Intent)
	}
	if first.Subject.Reference != "Patient/patient-1" || first.Requester.Reference != "Practitioner/doctor-1" {
		t.Errorf("unexpected references %+v %+v", first.Subject, first.Requester)
	}
	if first.DispenseRequest.NumberOfRepeatsAllowed != 3 {
		t.Errorf("repeats = %d, want 3", first.DispenseRequest.NumberOfRepeatsAllowed)
	}
	if first.Meta.VersionID != "4" {
		t.Errorf("versionId = %s, want 4", first.Meta.VersionID)
	}
	dose := first.DosageInstruction[0]
	if dose.Text != "500mg, twice daily" || dose.PatientInstruction != "with food" || dose.Timing.Code.Text != "morning, evening" {
		t.Errorf("unexpected dosage %+v", dose)
	}
	if got[1].Medication.Concept.Text != "Lisinopril" {
		t.Errorf("second medication = %s", got[1].Medication.Concept.Text)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status prescription.Status
		want   string
	}{
		{prescription.StatusActive, "active"},
		{prescription.StatusCompleted, "completed"},
		{prescription.StatusCancelled, "cancelled"},
		{prescription.Status("ON_HOLD"), "unknown"},
	}
	for _, tt := range tests {
		p := samplePrescription()
		p.Status = tt.status
		if got := FromPrescription(p)[0].Status; got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestNewBundleJSON(t *testing.T) {
	now := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	b := NewBundle([]prescription.Prescription{samplePrescription()}, now)
	if b.Total != 2 {
		t.Fatalf("total = %d, want 2", b.Total)
	}

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"resourceType":"Bundle"`, `"type":"searchset"`, `"fullUrl":"MedicationRequest/rx-1-2"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("bundle JSON missing %s", want)
		}
	}

	empty, _ := json.Marshal(NewBundle(nil, now))
	if !strings.Contains(string(empty), `"entry":[]`) {
		t.Errorf("empty bundle should carry an empty entry list: %s", empty)
	}
}
