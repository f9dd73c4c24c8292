package handlers

import (
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskrouter/internal/dispatch"
	"github.com/cuongbtq/taskrouter/internal/domain"
)

// Ingestion formats
var ingestionFormats = map[string]bool{
	"csv":  true,
	"json": true,
	"xml":  true,
	"hl7":  true,
}

// Catalogue lists every operation of every domain
var Catalogue = []Operation{
	// clinical
	{
		Domain:     domain.DomainClinical,
		Name:       "consultation",
		Brief:      "Consultation review",
		Roles:      []string{"Doctor", "Medical Analyst"},
		Required:   []string{"patient", "doctor", "consultation_type"},
		Timestamps: []string{"scheduled_at"},
		Check:      oneOf("consultation_type", "initial", "follow_up", "emergency"),
	},
	{
		Domain:     domain.DomainClinical,
		Name:       "admission",
		Brief:      "Admission planning",
		Roles:      []string{"Attending Physician", "Bed Manager"},
		Required:   []string{"patient", "doctor"},
		Timestamps: []string{"admitted_at"},
	},
	{
		Domain:     domain.DomainClinical,
		Name:       "discharge",
		Brief:      "Discharge summary",
		Roles:      []string{"Attending Physician", "Care Coordinator"},
		Required:   []string{"patient", "doctor"},
		Timestamps: []string{"discharged_at"},
	},

	// exams
	{
		Domain:     domain.DomainExams,
		Name:       "hemogram",
		Brief:      "Blood test analysis",
		Roles:      []string{"Laboratory Analyst", "Hematologist"},
		Required:   []string{"patient", "requester"},
		Timestamps: []string{"requested_at"},
	},
	imagingExam("xray", "X-ray reading"),
	imagingExam("tomography", "Tomography reading"),
	imagingExam("ultrasound", "Ultrasound reading"),
	imagingExam("mri", "MRI reading"),

	// opme
	{
		Domain:     domain.DomainOPME,
		Name:       "prosthesis",
		Brief:      "Prosthesis request review",
		Roles:      []string{"Orthopedic Specialist", "Medical Materials Analyst"},
		Required:   []string{"patient", "surgeon", "procedure", "items"},
		Timestamps: []string{"surgery_date"},
		Check:      nonEmptyList("items"),
	},
	{
		Domain:     domain.DomainOPME,
		Name:       "organ",
		Brief:      "Organ allocation review",
		Roles:      []string{"Transplant Coordinator"},
		Required:   []string{"patient", "surgeon", "procedure"},
		Timestamps: []string{"surgery_date"},
	},
	{
		Domain:   domain.DomainOPME,
		Name:     "material",
		Brief:    "Special materials review",
		Roles:    []string{"Medical Supplies Specialist"},
		Required: []string{"items"},
		Check:    nonEmptyList("items"),
	},

	// ingestion
	dataLoad("patients_load", "Patient data load", "Data Analyst", "Data Quality Specialist"),
	dataLoad("doctors_load", "Doctor data load", "Healthcare Data Specialist"),
	dataLoad("exams_load", "Exam data load", "Laboratory Data Specialist"),
}

func imagingExam(name, brief string) Operation {
	return Operation{
		Domain:     domain.DomainExams,
		Name:       name,
		Brief:      brief,
		Roles:      []string{"Radiologist"},
		Required:   []string{"patient", "requester"},
		Timestamps: []string{"requested_at"},
	}
}

func dataLoad(name, brief string, roles ...string) Operation {
	return Operation{
		Domain:   domain.DomainIngestion,
		Name:     name,
		Brief:    brief,
		Roles:    roles,
		Required: []string{"source", "format"},
		Integers: []string{"record_count"},
		Check:    oneOfSet("format", ingestionFormats),
	}
}

func oneOf(field string, allowed ...string) func(domain.Payload) error {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return oneOfSet(field, set)
}

func oneOfSet(field string, allowed map[string]bool) func(domain.Payload) error {
	return func(p domain.Payload) error {
		s, ok := p[field].(string)
		if !ok || !allowed[s] {
			return fmt.Errorf("field %q has unsupported value %v", field, p[field])
		}
		return nil
	}
}

func nonEmptyList(field string) func(domain.Payload) error {
	return func(p domain.Payload) error {
		switch v := p[field].(type) {
		case []any:
			if len(v) > 0 {
				return nil
			}
		case []string:
			if len(v) > 0 {
				return nil
			}
		}
		return fmt.Errorf("field %q must be a non-empty list", field)
	}
}

// RegisterAll registers a handler for every catalogued operation of the
// given domains. With no domains, every domain is registered.
func RegisterAll(r *dispatch.Registry, analyzer Analyzer, logger *slog.Logger, domains ...domain.Domain) error {
	want := make(map[domain.Domain]bool, len(domains))
	for _, d := range domains {
		want[d] = true
	}

	for _, op := range Catalogue {
		if len(want) > 0 && !want[op.Domain] {
			continue
		}
		h := NewHandler(op, analyzer, logger.With(slog.String("domain", string(op.Domain))))
		if err := r.Register(op.Domain, op.Name, h); err != nil {
			return err
		}
	}
	return nil
}
