// Package patient loads PatientRecords from reference files or FHIR R5
// bundles and validates them before a run uses them.
package patient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

var (
	// ErrNotFound is returned for an unknown patient id.
	ErrNotFound = errors.New("patient not found")
	// ErrInvalidRecord is returned for a record that fails validation.
	ErrInvalidRecord = errors.New("invalid patient record")
)

var validate = validator.New()

// Validate checks the structural requirements of a record.
func Validate(p *authorization.PatientRecord) error {
	if p == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fe.Namespace() + " " + fe.Tag()
			}
			return fmt.Errorf("%w %s: %s", ErrInvalidRecord, p.ID, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Store is an in-memory PatientRecord source.
type Store struct {
	mu      sync.RWMutex
	records map[string]*authorization.PatientRecord
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*authorization.PatientRecord)}
}

// Put validates and stores a record, replacing any record with the same id.
func (s *Store) Put(p *authorization.PatientRecord) error {
	if err := Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[p.ID] = clone(p)
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the record, so callers cannot modify the stored one.
func (s *Store) Load(_ context.Context, id string) (*authorization.PatientRecord, error) {
	s.mu.RLock()
	p, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(p), nil
}

// IDs lists the stored patient ids.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

type patientFile struct {
	Patients []*authorization.PatientRecord `json:"patients" yaml:"patients"`
}

// LoadFile reads a JSON or YAML file holding a "patients" list.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patients: %w", err)
	}

	var f patientFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&f)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	s := NewStore()
	for _, p := range f.Patients {
		if _, err := s.Load(context.Background(), p.ID); err == nil {
			return nil, fmt.Errorf("duplicate patient %s in %s", p.ID, path)
		}
		if err := s.Put(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func clone(p *authorization.PatientRecord) *authorization.PatientRecord {
	c := *p
	c.Diagnoses = append([]authorization.Diagnosis(nil), p.Diagnoses...)
	c.TreatmentHistory = append([]authorization.TreatmentAttempt(nil), p.TreatmentHistory...)
	c.CurrentMedications = append([]string(nil), p.CurrentMedications...)
	c.Allergies = append([]string(nil), p.Allergies...)
	if p.Labs != nil {
		c.Labs = make(map[string]authorization.LabResult, len(p.Labs))
		for k, v := range p.Labs {
			c.Labs[k] = v
		}
	}
	return &c
}
