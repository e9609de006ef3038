// Package fhir renders prescriptions as FHIR R5 MedicationRequest resources
// for exchange with pharmacy and EHR systems.
package fhir

import (
	"fmt"
	"strings"
	"time"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
)

// ContentType is the FHIR JSON media type
const ContentType = "application/fhir+json"

// IdentifierSystem namespaces medtrack prescription ids
const IdentifierSystem = "urn:medtrack:prescription"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID string `json:"versionId,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text.
type CodeableConcept struct {
	Text string `json:"text,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// CodeableReference holds either a concept or a reference (R5).
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period is a time range; zero ends are omitted.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Annotation is a free text note.
type Annotation struct {
	Text string `json:"text"`
}

// Dosage is a dosage instruction line.
type Dosage struct {
	Sequence int     `json:"sequence,omitempty"`
	Text     string  `json:"text,omitempty"`
	Timing   *Timing `json:"timing,omitempty"`
	// PatientInstruction is shown to the patient verbatim
	PatientInstruction string `json:"patientInstruction,omitempty"`
}

// Timing names when a dose is taken.
type Timing struct {
	Code *CodeableConcept `json:"code,omitempty"`
}

// DispenseRequest carries the refill allowance and validity window.
type DispenseRequest struct {
	ValidityPeriod         *Period `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int     `json:"numberOfRepeatsAllowed"`
}

// MedicationRequest is the subset of the R5 resource medtrack produces
type MedicationRequest struct {
	ResourceType      string              `json:"resourceType"`
	ID                string              `json:"id,omitempty"`
	Meta              *Meta               `json:"meta,omitempty"`
	Identifier        []Identifier        `json:"identifier,omitempty"`
	GroupIdentifier   *Identifier         `json:"groupIdentifier,omitempty"`
	Status            string              `json:"status"`
	Intent            string              `json:"intent"`
	Medication        CodeableReference   `json:"medication"`
	Subject           Reference           `json:"subject"`
	AuthoredOn        *time.Time          `json:"authoredOn,omitempty"`
	Requester         *Reference          `json:"requester,omitempty"`
	Reason            []CodeableReference `json:"reason,omitempty"`
	Note              []Annotation        `json:"note,omitempty"`
	DosageInstruction []Dosage            `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest    `json:"dispenseRequest,omitempty"`
}

// BundleEntry wraps one resource in a bundle
type BundleEntry struct {
	FullURL  string             `json:"fullUrl,omitempty"`
	Resource *MedicationRequest `json:"resource"`
}

// Bundle is a searchset bundle of medication requests
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Timestamp    time.Time     `json:"timestamp"`
	Entry        []BundleEntry `json:"entry"`
}

var statusCodes = map[prescription.Status]string{
	prescription.StatusActive:    "active",
	prescription.StatusCompleted: "completed",
	prescription.StatusCancelled: "cancelled",
}

// FromPrescription returns one MedicationRequest per medication line. The
// lines share a group identifier carrying the prescription id.
func FromPrescription(p prescription.Prescription) []*MedicationRequest {
	status, ok := statusCodes[p.Status]
	if !ok {
		status = "unknown"
	}

	var authored *time.Time
	if !p.CreatedAt.IsZero() {
		t := p.CreatedAt.UTC()
		authored = &t
	}
	var dispense *DispenseRequest
	if p.RefillLimit > 0 || p.ValidUntil != nil {
		dispense = &DispenseRequest{NumberOfRepeatsAllowed: p.RefillLimit}
		if p.ValidUntil != nil {
			end := p.ValidUntil.UTC()
			dispense.ValidityPeriod = &Period{Start: authored, End: &end}
		}
	}

	out := make([]*MedicationRequest, 0, len(p.Medications))
	for i, med := range p.Medications {
		mr := &MedicationRequest{
			ResourceType:    "MedicationRequest",
			ID:              fmt.Sprintf("%s-%d", p.ID, i+1),
			Meta:            &Meta{VersionID: fmt.Sprint(p.Version)},
			Identifier:      []Identifier{{System: IdentifierSystem, Value: fmt.Sprintf("%s/%d", p.ID, i+1)}},
			GroupIdentifier: &Identifier{System: IdentifierSystem, Value: p.ID},
			Status:          status,
			Intent:          "order",
			Medication:      CodeableReference{Concept: &CodeableConcept{Text: med.Name}},
			Subject:         Reference{Reference: "Patient/" + p.PatientID},
			AuthoredOn:      authored,
			DispenseRequest: dispense,
		}
		if p.DoctorID != "" {
			mr.Requester = &Reference{Reference: "Practitioner/" + p.DoctorID}
		}
		if p.Diagnosis != "" {
			mr.Reason = []CodeableReference{{Concept: &CodeableConcept{Text: p.Diagnosis}}}
		}
		if p.Notes != "" {
			mr.Note = []Annotation{{Text: p.Notes}}
		}
		if d := dosage(med); d != nil {
			mr.DosageInstruction = []Dosage{*d}
		}
		out = append(out, mr)
	}
	return out
}

// NewBundle collects the medication requests of prescriptions into a
// searchset bundle
func NewBundle(prescriptions []prescription.Prescription, now time.Time) *Bundle {
	b := &Bundle{ResourceType: "Bundle", Type: "searchset", Timestamp: now.UTC(), Entry: []BundleEntry{}}
	for _, p := range prescriptions {
		for _, mr := range FromPrescription(p) {
			b.Entry = append(b.Entry, BundleEntry{FullURL: "MedicationRequest/" + mr.ID, Resource: mr})
		}
	}
	b.Total = len(b.Entry)
	return b
}

func dosage(med prescription.Medication) *Dosage {
	var parts []string
	for _, s := range []string{med.Dosage, med.Frequency, med.Duration} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 && med.Instructions == "" && med.TimeOfDay == "" {
		return nil
	}
	d := &Dosage{Sequence: 1, Text: strings.Join(parts, ", "), PatientInstruction: med.Instructions}
	if med.TimeOfDay != "" {
		d.Timing = &Timing{Code: &CodeableConcept{Text: med.TimeOfDay}}
	}
	return d
}
