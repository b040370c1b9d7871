// Package openfda is the sole path to the external regulatory data source.
// It enforces the per-minute/per-day admission quotas, caches responses per
// (endpoint, parameter-set), and exposes the four read-only query families the
// pipeline depends on: adverse events, drug labels, the NDC product catalog
// and recall enforcement records.
package openfda

import "time"

// resultEnvelope is the common response wrapper of the data source.
type resultEnvelope[T any] struct {
	Results []T `json:"results"`
}

// AdverseEventReport is one voluntary adverse-event report. All demographic
// fields are free text from the reporter and frequently absent.
type AdverseEventReport struct {
	ReceiveDate                string       `json:"receivedate"`
	Serious                    string       `json:"serious"`
	SeriousnessDeath           string       `json:"seriousnessdeath"`
	SeriousnessDisabling       string       `json:"seriousnessdisabling"`
	SeriousnessHospitalization string       `json:"seriousnesshospitalization"`
	SeriousnessLifeThreatening string       `json:"seriousnesslifethreatening"`
	SeriousnessOther           string       `json:"seriousnessother"`
	Patient                    EventPatient `json:"patient"`
}

// EventPatient holds the demographics and drug/reaction lists of a report.
type EventPatient struct {
	OnsetAge     string          `json:"patientonsetage"`
	OnsetAgeUnit string          `json:"patientonsetageunit"`
	Sex          string          `json:"patientsex"` // 1=male, 2=female
	Weight       string          `json:"patientweight"`
	Drugs        []EventDrug     `json:"drug"`
	Reactions    []EventReaction `json:"reaction"`
}

// EventDrug names one implicated medication.
type EventDrug struct {
	MedicinalProduct string `json:"medicinalproduct"`
}

// EventReaction is one reported reaction term.
type EventReaction struct {
	Term string `json:"reactionmeddrapt"`
}

// IsSerious reports whether the report carries any seriousness flag.
func (r *AdverseEventReport) IsSerious() bool {
	return r.Serious == "1"
}

// ReportsDeath reports whether the report is flagged as a death outcome.
func (r *AdverseEventReport) ReportsDeath() bool {
	return r.SeriousnessDeath == "1"
}

// DrugLabel is the canonical structured labeling for one product. The section
// fields hold free text, often with embedded HTML markup.
type DrugLabel struct {
	ID                string     `json:"id"`
	Contraindications []string   `json:"contraindications"`
	Warnings          []string   `json:"warnings"`
	DrugInteractions  []string   `json:"drug_interactions"`
	OpenFDA           LabelIndex `json:"openfda"`
}

// LabelIndex holds the harmonized name fields attached to a label.
type LabelIndex struct {
	BrandName     []string `json:"brand_name"`
	GenericName   []string `json:"generic_name"`
	SubstanceName []string `json:"substance_name"`
	Route         []string `json:"route"`
}

// NDCProduct is one entry of the national drug-code product directory.
type NDCProduct struct {
	ProductNDC        string             `json:"product_ndc"`
	GenericName       string             `json:"generic_name"`
	BrandName         string             `json:"brand_name"`
	DosageForm        string             `json:"dosage_form"`
	Route             []string           `json:"route"`
	ProductType       string             `json:"product_type"`
	DEASchedule       string             `json:"dea_schedule,omitempty"`
	ActiveIngredients []ActiveIngredient `json:"active_ingredients"`
}

// ActiveIngredient is one ingredient with its labeled strength.
type ActiveIngredient struct {
	Name     string `json:"name"`
	Strength string `json:"strength"`
}

// IsPrescription reports whether the product is a prescription drug (as
// opposed to OTC); used to prefer prescription entries when ranking matches.
func (p *NDCProduct) IsPrescription() bool {
	return p.ProductType == "HUMAN PRESCRIPTION DRUG"
}

// RecallRecord is one enforcement report. Classification ranges Class I
// (most severe) through Class III.
type RecallRecord struct {
	RecallNumber       string `json:"recall_number"`
	Classification     string `json:"classification"`
	InitiationDate     string `json:"recall_initiation_date"` // YYYYMMDD
	Reason             string `json:"reason_for_recall"`
	ProductDescription string `json:"product_description"`
	RecallingFirm      string `json:"recalling_firm"`
	Status             string `json:"status"`
}

// InitiationTime parses the recall initiation date. ok is false when the
// field is absent or malformed.
func (r *RecallRecord) InitiationTime() (time.Time, bool) {
	t, err := time.Parse("20060102", r.InitiationDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// InteractionRisk classifies the pairwise co-occurrence signal.
type InteractionRisk string

const (
	InteractionLow    InteractionRisk = "low"
	InteractionMedium InteractionRisk = "medium"
	InteractionHigh   InteractionRisk = "high"
)

// InteractionSignal summarizes reports that jointly name a set of medications.
type InteractionSignal struct {
	Medications  []string        `json:"medications"`
	Risk         InteractionRisk `json:"risk"`
	ReportCount  int             `json:"report_count"`
	SeriousCount int             `json:"serious_count"`
}
