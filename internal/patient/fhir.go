package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	fhir "github.com/drfirst/go-priorauth/internal/fhir/r5"
)

// loincLabs maps LOINC codes to the lab keys used in PatientRecord.Labs.
var loincLabs = map[string]string{
	"39156-5": "BMI",
	"4548-4":  "HbA1c",
	"17856-6": "HbA1c",
	"13457-7": "LDL",
	"18262-6": "LDL",
	"2089-1":  "LDL",
	"33914-3": "eGFR",
	"62238-1": "eGFR",
	"98979-8": "eGFR",
	"2160-0":  "creatinine",
	"29463-7": "weight_lbs",
	"1558-6":  "fasting_glucose",
	"2571-8":  "triglycerides",
	"711-2":   "eosinophils",
	"20150-9": "FEV1",
}

const (
	kgToLbs     = 2.20462
	daysInMonth = 30.44
)

// FromBundle maps a FHIR R5 bundle holding one patient's Patient, Condition,
// Observation, MedicationStatement and Coverage resources to a PatientRecord.
// The latest observation per lab wins. Statements with an end date become
// treatment history; open ones become current medications.
func FromBundle(b *fhir.Bundle) (*authorization.PatientRecord, error) {
	if b == nil || b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: not a FHIR Bundle", ErrInvalidRecord)
	}
	res, err := b.Resources()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(res.Patients) != 1 {
		return nil, fmt.Errorf("%w: bundle has %d Patient resources, want 1", ErrInvalidRecord, len(res.Patients))
	}

	pt := res.Patients[0]
	rec := &authorization.PatientRecord{
		ID:          pt.ID,
		Name:        pt.GetFullName(),
		DateOfBirth: pt.BirthDate,
		Gender:      pt.Gender,
		Labs:        make(map[string]authorization.LabResult),
	}
	if rec.ID == "" {
		rec.ID = pt.GetMRN()
	}
	// Resources that name another subject are ignored.
	about := func(ref string) bool {
		return ref == "" || pt.ID == "" || fhir.ReferenceID(ref) == pt.ID
	}

	for _, c := range res.Coverages {
		if (c.Status != "" && c.Status != "active") || !about(c.Beneficiary.Reference) {
			continue
		}
		rec.InsurancePlan = c.PlanName()
		rec.MemberID = c.MemberID()
		break
	}

	for _, c := range res.Conditions {
		if !c.IsActive() || c.Code == nil || !about(c.Subject.Reference) {
			continue
		}
		rec.Diagnoses = append(rec.Diagnoses, diagnosisFrom(c.Code))
	}

	for _, o := range res.Observations {
		if o.Subject != nil && !about(o.Subject.Reference) {
			continue
		}
		key, lab, ok := labFrom(o)
		if !ok {
			continue
		}
		if prev, seen := rec.Labs[key]; seen && !lab.Date.After(prev.Date) {
			continue
		}
		rec.Labs[key] = lab
	}

	for _, ms := range res.MedicationStatements {
		if ms.Status == fhir.MedicationEnteredInError || !about(ms.Subject.Reference) {
			continue
		}
		name := ms.MedicationName()
		if name == "" {
			continue
		}
		attempt, finished := treatmentFrom(ms, name)
		if finished {
			rec.TreatmentHistory = append(rec.TreatmentHistory, attempt)
		} else {
			rec.CurrentMedications = append(rec.CurrentMedications, name)
		}
	}

	if err := Validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func diagnosisFrom(code *fhir.CodeableConcept) authorization.Diagnosis {
	d := authorization.Diagnosis{Name: code.Text}
	for _, coding := range code.Coding {
		if d.ICD10 == "" && (coding.System == fhir.SystemICD10 || strings.Contains(coding.System, "icd-10")) {
			d.ICD10 = coding.Code
		}
		if d.Name == "" && coding.Display != "" {
			d.Name = coding.Display
		}
	}
	if d.Name == "" {
		d.Name = d.ICD10
	}
	return d
}

func labFrom(o fhir.Observation) (string, authorization.LabResult, bool) {
	if o.Status == fhir.ObservationCancelled || o.ValueQuantity == nil {
		return "", authorization.LabResult{}, false
	}
	var key string
	for _, coding := range o.Code.Coding {
		if coding.System == fhir.SystemLOINC {
			if k, ok := loincLabs[coding.Code]; ok {
				key = k
				break
			}
		}
	}
	if key == "" {
		return "", authorization.LabResult{}, false
	}

	lab := authorization.LabResult{Value: o.ValueQuantity.Value, Unit: o.ValueQuantity.Unit}
	if key == "weight_lbs" && (strings.EqualFold(o.ValueQuantity.Code, "kg") || strings.EqualFold(lab.Unit, "kg")) {
		lab.Value = math.Round(lab.Value*kgToLbs*10) / 10
		lab.Unit = "lbs"
	}
	if t, err := fhir.ParseDate(o.EffectiveDateTime); err == nil {
		lab.Date = t
	}
	return key, lab, true
}

func treatmentFrom(ms fhir.MedicationStatement, name string) (authorization.TreatmentAttempt, bool) {
	attempt := authorization.TreatmentAttempt{Drug: name, Outcome: "completed"}
	if len(ms.Dosage) > 0 {
		attempt.Dosage = ms.Dosage[0].Text
	}
	if len(ms.Note) > 0 && ms.Note[0].Text != "" {
		attempt.Outcome = ms.Note[0].Text
	} else if ms.AdherenceCode != nil && ms.AdherenceCode.Text != "" {
		attempt.Outcome = ms.AdherenceCode.Text
	}

	p := ms.EffectivePeriod
	if p == nil || p.End == "" {
		return attempt, false
	}
	attempt.StartedDate = p.Start
	start, errStart := fhir.ParseDate(p.Start)
	end, errEnd := fhir.ParseDate(p.End)
	if errStart == nil && errEnd == nil && end.After(start) {
		attempt.DurationMonths = int(math.Round(end.Sub(start).Hours() / 24 / daysInMonth))
	}
	return attempt, true
}

// BundleDirectory loads patients from <dir>/<patient id>.json FHIR bundles.
type BundleDirectory struct {
	dir string
}

// NewBundleDirectory creates a source over dir.
func NewBundleDirectory(dir string) *BundleDirectory {
	return &BundleDirectory{dir: dir}
}

// Load reads and maps the bundle for id.
func (d *BundleDirectory) Load(ctx context.Context, id string) (*authorization.PatientRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(d.dir, id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var b fhir.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, id, err)
	}
	rec, err := FromBundle(&b)
	if err != nil {
		return nil, err
	}
	if rec.ID != id {
		return nil, fmt.Errorf("%w: bundle %s.json holds patient %s", ErrInvalidRecord, id, rec.ID)
	}
	return rec, nil
}
