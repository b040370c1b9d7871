// Package risk turns raw regulatory records into a per-medication risk
// classification and a 0-100 composite score for a full medication list.
// The engine is stateless: every analysis is a pure function of the profile
// and the live gateway data.
package risk

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/openfda"
)

// gateway is the slice of the data gateway the engine needs.
type gateway interface {
	SearchAdverseEvents(ctx context.Context, medication string, limit int, opts ...openfda.QueryOption) ([]openfda.AdverseEventReport, error)
	FetchDrugLabel(ctx context.Context, medication string, opts ...openfda.QueryOption) (*openfda.DrugLabel, error)
	FetchRecalls(ctx context.Context, product string, limit int, opts ...openfda.QueryOption) ([]openfda.RecallRecord, error)
	CheckInteractions(ctx context.Context, medications []string, opts ...openfda.QueryOption) (*openfda.InteractionSignal, error)
}

// Thresholds are the heuristic cutoffs of the risk ladder. They mirror the
// counts historically used by drug-safety dashboards; they are tunable
// configuration, not clinically validated values.
type Thresholds struct {
	CriticalDeathEvents int // more death reports than this is critical
	HighSeriousEvents   int // more serious reports than this is high
	MediumSeriousEvents int // more serious reports than this is medium
	MediumTotalEvents   int // more total reports than this is medium

	EventSampleSize  int // adverse-event reports fetched per medication
	RecallSampleSize int // recall records fetched per medication
	TopSideEffects   int // most frequent reaction terms reported
	LabelListCap     int // contraindication/interaction entries kept

	AgeClusterYears         float64 // +/- band around the patient's age
	AgeClusterMinReports    int
	SexShare                float64 // share of sexed reports matching the patient
	WeightClusterUnits      float64 // +/- band around the patient's weight
	WeightClusterMinReports int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalDeathEvents:     5,
		HighSeriousEvents:       10,
		MediumSeriousEvents:     3,
		MediumTotalEvents:       20,
		EventSampleSize:         100,
		RecallSampleSize:        10,
		TopSideEffects:          10,
		LabelListCap:            5,
		AgeClusterYears:         10,
		AgeClusterMinReports:    5,
		SexShare:                0.70,
		WeightClusterUnits:      20,
		WeightClusterMinReports: 3,
	}
}

// Assessment is the result of analyzing a full medication profile.
type Assessment struct {
	UserID          string                      `json:"user_id"`
	Risks           []safety.MedicationRisk     `json:"risks"`
	Interactions    []openfda.InteractionSignal `json:"interactions,omitempty"`
	CompositeScore  float64                     `json:"composite_score"`
	Recommendations []string                    `json:"recommendations"`
	GeneratedAt     time.Time                   `json:"generated_at"`
}

// Engine computes medication risk from gateway data.
type Engine struct {
	gw         gateway
	thresholds Thresholds
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewEngine(gw gateway, th Thresholds, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		gw:         gw,
		thresholds: th,
		logger:     logger,
		tracer:     otel.Tracer("risk-engine"),
	}
}

// AnalyzeMedication derives the risk classification for one medication.
// Gateway failures degrade the result rather than failing it: a medication
// with no reachable data comes back flagged Unavailable at level low.
func (e *Engine) AnalyzeMedication(ctx context.Context, medication string, patient safety.Patient, conditions []string) safety.MedicationRisk {
	ctx, span := e.tracer.Start(ctx, "risk.analyze_medication",
		trace.WithAttributes(attribute.String("medication.name", medication)))
	defer span.End()

	var (
		wg      sync.WaitGroup
		events  []openfda.AdverseEventReport
		label   *openfda.DrugLabel
		recalls []openfda.RecallRecord

		eventsErr, labelErr, recallsErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		events, eventsErr = e.gw.SearchAdverseEvents(ctx, medication, e.thresholds.EventSampleSize)
	}()
	go func() {
		defer wg.Done()
		label, labelErr = e.gw.FetchDrugLabel(ctx, medication)
	}()
	go func() {
		defer wg.Done()
		recalls, recallsErr = e.gw.FetchRecalls(ctx, medication, e.thresholds.RecallSampleSize)
	}()
	wg.Wait()

	for _, err := range []error{eventsErr, labelErr, recallsErr} {
		if err != nil {
			e.logger.Warn("partial safety data for medication",
				zap.String("medication", medication), zap.Error(err))
		}
	}

	risk := safety.MedicationRisk{
		Medication: medication,
		Level:      safety.RiskLow,
	}
	if eventsErr != nil && labelErr != nil && recallsErr != nil {
		risk.Unavailable = true
		risk.RiskFactors = []string{"external safety data unavailable; risk could not be assessed"}
		span.SetAttributes(attribute.Bool("risk.unavailable", true))
		return risk
	}

	var serious, deaths int
	for i := range events {
		if events[i].IsSerious() {
			serious++
		}
		if events[i].ReportsDeath() {
			deaths++
		}
	}
	risk.EventCount = len(events)
	risk.SeriousEventCount = serious
	risk.RecallCount = len(recalls)
	risk.CommonSideEffects = topReactions(events, e.thresholds.TopSideEffects)
	risk.Level = e.classify(serious, deaths, len(events), recalls)
	risk.RiskFactors = append(risk.RiskFactors, e.demographicFactors(events, patient)...)

	if label != nil {
		risk.Contraindications = labelEntries(label.Contraindications, e.thresholds.LabelListCap)
		risk.Interactions = labelEntries(label.DrugInteractions, e.thresholds.LabelListCap)
		risk.RiskFactors = append(risk.RiskFactors, conditionFactors(risk.Contraindications, conditions)...)
	}

	span.SetAttributes(
		attribute.String("risk.level", string(risk.Level)),
		attribute.Int("risk.serious_events", serious),
	)
	return risk
}

// classify walks the risk ladder top-down.
func (e *Engine) classify(serious, deaths, total int, recalls []openfda.RecallRecord) safety.RiskLevel {
	classI, classII := false, false
	for i := range recalls {
		switch recalls[i].Classification {
		case "Class I":
			classI = true
		case "Class II":
			classII = true
		}
	}
	switch {
	case classI || deaths > e.thresholds.CriticalDeathEvents:
		return safety.RiskCritical
	case serious > e.thresholds.HighSeriousEvents || classII:
		return safety.RiskHigh
	case serious > e.thresholds.MediumSeriousEvents || total > e.thresholds.MediumTotalEvents:
		return safety.RiskMedium
	default:
		return safety.RiskLow
	}
}

// AnalyzeProfile analyzes every medication of a profile in parallel, runs the
// pairwise interaction check, and folds the results into a composite score
// with recommendations.
func (e *Engine) AnalyzeProfile(ctx context.Context, profile *safety.MedicationProfile) *Assessment {
	ctx, span := e.tracer.Start(ctx, "risk.analyze_profile",
		trace.WithAttributes(
			attribute.String("user.id", profile.UserID),
			attribute.Int("medication.count", len(profile.Medications)),
		))
	defer span.End()

	risks := make([]safety.MedicationRisk, len(profile.Medications))
	var wg sync.WaitGroup
	for i, med := range profile.Medications {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			risks[i] = e.AnalyzeMedication(ctx, name, profile.Patient, profile.Conditions)
		}(i, med.Name)
	}
	wg.Wait()

	a := &Assessment{
		UserID:      profile.UserID,
		Risks:       risks,
		GeneratedAt: time.Now().UTC(),
	}
	a.Interactions = e.interactionWarnings(ctx, profile.Medications)
	a.CompositeScore = e.CompositeScore(risks)
	a.Recommendations = recommendations(risks, profile.Patient, len(profile.Medications))

	span.SetAttributes(attribute.Float64("risk.composite_score", a.CompositeScore))
	return a
}

// interactionWarnings checks every medication pair and keeps the medium and
// high signals. A failed pair is skipped, never fatal to the run.
func (e *Engine) interactionWarnings(ctx context.Context, meds []safety.Medication) []openfda.InteractionSignal {
	var warnings []openfda.InteractionSignal
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			sig, err := e.gw.CheckInteractions(ctx, []string{meds[i].Name, meds[j].Name})
			if err != nil {
				e.logger.Warn("interaction check failed",
					zap.String("medication_a", meds[i].Name),
					zap.String("medication_b", meds[j].Name),
					zap.Error(err))
				continue
			}
			if sig != nil && sig.Risk != openfda.InteractionLow {
				warnings = append(warnings, *sig)
			}
		}
	}
	return warnings
}

// CompositeScore is the 0-100 aggregate: per-medication base points by level
// plus bounded serious-event, recall and contraindication additions, averaged
// across the list. An empty list scores zero.
func (e *Engine) CompositeScore(risks []safety.MedicationRisk) float64 {
	if len(risks) == 0 {
		return 0
	}
	var total float64
	for i := range risks {
		total += medicationScore(&risks[i])
	}
	return total / float64(len(risks))
}

var levelBase = map[safety.RiskLevel]float64{
	safety.RiskCritical: 40,
	safety.RiskHigh:     30,
	safety.RiskMedium:   20,
	safety.RiskLow:      10,
}

func medicationScore(r *safety.MedicationRisk) float64 {
	score := levelBase[r.Level]
	score += min(float64(r.SeriousEventCount)*2, 20)
	score += float64(r.RecallCount) * 5
	score += float64(len(r.Contraindications)) * 2
	return min(score, 100)
}

// topReactions tallies reaction terms across reports and returns the most
// frequent, case-normalized. Ties break alphabetically so the output is
// stable across runs.
func topReactions(events []openfda.AdverseEventReport, limit int) []string {
	counts := make(map[string]int)
	for i := range events {
		for _, reaction := range events[i].Patient.Reactions {
			term := strings.ToLower(strings.TrimSpace(reaction.Term))
			if term != "" {
				counts[term]++
			}
		}
	}
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

// demographicFactors applies the age/sex/weight clustering heuristics against
// the patient's attributes. Reports with missing demographics are skipped
// per heuristic, not discarded outright.
func (e *Engine) demographicFactors(events []openfda.AdverseEventReport, patient safety.Patient) []string {
	var factors []string

	if patient.Age > 0 {
		near := 0
		for i := range events {
			if age, ok := reportAgeYears(&events[i].Patient); ok {
				if diff := age - float64(patient.Age); diff >= -e.thresholds.AgeClusterYears && diff <= e.thresholds.AgeClusterYears {
					near++
				}
			}
		}
		if near >= e.thresholds.AgeClusterMinReports {
			factors = append(factors, fmt.Sprintf("%d adverse reports cluster near age %d", near, patient.Age))
		}
	}

	if code := sexCode(patient.Sex); code != "" {
		matching, sexed := 0, 0
		for i := range events {
			if events[i].Patient.Sex == "" {
				continue
			}
			sexed++
			if events[i].Patient.Sex == code {
				matching++
			}
		}
		if sexed > 0 && float64(matching)/float64(sexed) > e.thresholds.SexShare {
			factors = append(factors, fmt.Sprintf("most reported events involve %s patients", strings.ToLower(patient.Sex)))
		}
	}

	if patient.Weight > 0 {
		near := 0
		for i := range events {
			if w, err := strconv.ParseFloat(events[i].Patient.Weight, 64); err == nil {
				if diff := w - patient.Weight; diff >= -e.thresholds.WeightClusterUnits && diff <= e.thresholds.WeightClusterUnits {
					near++
				}
			}
		}
		if near >= e.thresholds.WeightClusterMinReports {
			factors = append(factors, fmt.Sprintf("%d adverse reports cluster near weight %.0f; dosing may be weight-sensitive", near, patient.Weight))
		}
	}

	return factors
}

// conditionFactors flags every patient condition named in the label's
// contraindication text.
func conditionFactors(contraindications []string, conditions []string) []string {
	if len(contraindications) == 0 || len(conditions) == 0 {
		return nil
	}
	text := strings.ToLower(strings.Join(contraindications, " "))
	var factors []string
	for _, cond := range conditions {
		c := strings.ToLower(strings.TrimSpace(cond))
		if c != "" && strings.Contains(text, c) {
			factors = append(factors, fmt.Sprintf("condition %q is a named contraindication", cond))
		}
	}
	return factors
}

// reportAgeYears parses the onset age when it is recorded in years (unit 801)
// or carries no unit at all.
func reportAgeYears(p *openfda.EventPatient) (float64, bool) {
	if p.OnsetAgeUnit != "" && p.OnsetAgeUnit != "801" {
		return 0, false
	}
	age, err := strconv.ParseFloat(p.OnsetAge, 64)
	if err != nil {
		return 0, false
	}
	return age, true
}

func sexCode(sex string) string {
	switch strings.ToLower(strings.TrimSpace(sex)) {
	case "male", "m", "1":
		return "1"
	case "female", "f", "2":
		return "2"
	}
	return ""
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// labelEntries strips embedded HTML markup from label sections and caps the
// list, dropping entries that are empty after stripping.
func labelEntries(sections []string, limit int) []string {
	var entries []string
	for _, s := range sections {
		clean := strings.Join(strings.Fields(htmlTag.ReplaceAllString(s, " ")), " ")
		if clean == "" {
			continue
		}
		entries = append(entries, clean)
		if len(entries) == limit {
			break
		}
	}
	return entries
}
