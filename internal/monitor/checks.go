package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/openfda"
)

// fanOut runs fn once per medication concurrently and concatenates the alert
// slices in medication order. A failure inside fn is fn's problem: it logs
// and returns nil, so one medication can never sink the whole check.
func fanOut(meds []safety.Medication, fn func(med safety.Medication) []*safety.SafetyAlert) []*safety.SafetyAlert {
	perMed := make([][]*safety.SafetyAlert, len(meds))
	var wg sync.WaitGroup
	for i, med := range meds {
		wg.Add(1)
		go func(i int, med safety.Medication) {
			defer wg.Done()
			perMed[i] = fn(med)
		}(i, med)
	}
	wg.Wait()

	var out []*safety.SafetyAlert
	for _, alerts := range perMed {
		out = append(out, alerts...)
	}
	return out
}

// checkRecalls emits one alert per recall initiated inside the recall window.
// Recall alerts auto-expire after the configured TTL.
func (m *Monitor) checkRecalls(ctx context.Context, cfg Config, profile *safety.MedicationProfile, now time.Time) []*safety.SafetyAlert {
	return fanOut(profile.Medications, func(med safety.Medication) []*safety.SafetyAlert {
		recalls, err := m.gw.FetchRecalls(ctx, med.Name, cfg.RecallSampleSize)
		if err != nil {
			m.logger.Warn("recall check skipped",
				zap.String("user_id", profile.UserID),
				zap.String("medication", med.Name),
				zap.Error(err))
			return nil
		}

		var alerts []*safety.SafetyAlert
		for i := range recalls {
			rec := &recalls[i]
			initiated, ok := rec.InitiationTime()
			if !ok || now.Sub(initiated) > cfg.RecallWindow {
				continue
			}
			severity := safety.RecallSeverity(rec.Classification)
			expires := now.Add(cfg.AlertTTL)
			alerts = append(alerts, &safety.SafetyAlert{
				ID:             safety.AlertID(safety.AlertRecall, profile.UserID, med.Name, rec.RecallNumber),
				UserID:         profile.UserID,
				Type:           safety.AlertRecall,
				Severity:       severity,
				Medication:     med.Name,
				Title:          fmt.Sprintf("Recall issued for %s", med.Name),
				Description:    recallDescription(rec),
				ActionRequired: safety.RecallAction(severity),
				Source:         "FDA enforcement report " + rec.RecallNumber,
				CreatedAt:      now,
				ExpiresAt:      &expires,
			})
		}
		return alerts
	})
}

func recallDescription(rec *openfda.RecallRecord) string {
	desc := rec.Reason
	if rec.RecallingFirm != "" {
		desc += " (recalled by " + rec.RecallingFirm + ")"
	}
	return desc
}

// checkAdverseEvents tallies reaction terms over recent reports and emits one
// alert per cluster reported at least ReactionClusterMin times, capped at the
// top clusters per medication. Non-serious reports only count when the
// schedule is configured to include them.
func (m *Monitor) checkAdverseEvents(ctx context.Context, cfg Config, profile *safety.MedicationProfile, now time.Time) []*safety.SafetyAlert {
	return fanOut(profile.Medications, func(med safety.Medication) []*safety.SafetyAlert {
		events, err := m.gw.SearchAdverseEvents(ctx, med.Name, cfg.EventSampleSize)
		if err != nil {
			m.logger.Warn("adverse-event check skipped",
				zap.String("user_id", profile.UserID),
				zap.String("medication", med.Name),
				zap.Error(err))
			return nil
		}

		counts := make(map[string]int)
		for i := range events {
			if !events[i].IsSerious() && !cfg.IncludeMinorEvents {
				continue
			}
			for _, reaction := range events[i].Patient.Reactions {
				term := strings.ToLower(strings.TrimSpace(reaction.Term))
				if term != "" {
					counts[term]++
				}
			}
		}

		terms := make([]string, 0, len(counts))
		for term, n := range counts {
			if n >= cfg.ReactionClusterMin {
				terms = append(terms, term)
			}
		}
		sort.Slice(terms, func(i, j int) bool {
			if counts[terms[i]] != counts[terms[j]] {
				return counts[terms[i]] > counts[terms[j]]
			}
			return terms[i] < terms[j]
		})
		if len(terms) > cfg.ReactionClustersPerMed {
			terms = terms[:cfg.ReactionClustersPerMed]
		}

		var alerts []*safety.SafetyAlert
		for _, term := range terms {
			severity := safety.SeverityMedium
			if counts[term] > cfg.ReactionHighCount {
				severity = safety.SeverityHigh
			}
			alerts = append(alerts, &safety.SafetyAlert{
				ID:             safety.AlertID(safety.AlertAdverseEvent, profile.UserID, med.Name, term),
				UserID:         profile.UserID,
				Type:           safety.AlertAdverseEvent,
				Severity:       severity,
				Medication:     med.Name,
				Title:          fmt.Sprintf("Frequent adverse reaction reports for %s", med.Name),
				Description:    fmt.Sprintf("%q was reported %d times in recent safety reports", term, counts[term]),
				ActionRequired: "Watch for this symptom and report it to your provider if it occurs",
				Source:         "FDA adverse event reporting system",
				CreatedAt:      now,
			})
		}
		return alerts
	})
}

// checkInteractions runs the pairwise co-occurrence check and emits one alert
// per pair flagged medium or high. Pair members are ordered alphabetically so
// the alert ID is stable regardless of list order.
func (m *Monitor) checkInteractions(ctx context.Context, profile *safety.MedicationProfile, now time.Time) []*safety.SafetyAlert {
	meds := profile.Medications
	if len(meds) < 2 {
		return nil
	}

	var alerts []*safety.SafetyAlert
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			a, b := meds[i].Name, meds[j].Name
			sig, err := m.gw.CheckInteractions(ctx, []string{a, b})
			if err != nil {
				m.logger.Warn("interaction check skipped",
					zap.String("user_id", profile.UserID),
					zap.String("medication_a", a),
					zap.String("medication_b", b),
					zap.Error(err))
				continue
			}
			if sig == nil || sig.Risk == openfda.InteractionLow {
				continue
			}

			severity := safety.SeverityMedium
			if sig.Risk == openfda.InteractionHigh {
				severity = safety.SeverityHigh
			}
			first, second := a, b
			if strings.ToLower(second) < strings.ToLower(first) {
				first, second = second, first
			}
			alerts = append(alerts, &safety.SafetyAlert{
				ID:             safety.AlertID(safety.AlertInteraction, profile.UserID, first, second),
				UserID:         profile.UserID,
				Type:           safety.AlertInteraction,
				Severity:       severity,
				Medication:     first,
				Title:          fmt.Sprintf("Possible interaction between %s and %s", a, b),
				Description:    fmt.Sprintf("%d reports name both medications, %d of them serious", sig.ReportCount, sig.SeriousCount),
				ActionRequired: "Ask your provider or pharmacist whether this combination is safe for you",
				Source:         "FDA adverse event reporting system",
				CreatedAt:      now,
			})
		}
	}
	return alerts
}

// checkContraindications matches the user's conditions against each label's
// contraindication text and the user's allergies against each label's active
// substances. An allergy match is always critical.
func (m *Monitor) checkContraindications(ctx context.Context, profile *safety.MedicationProfile, now time.Time) []*safety.SafetyAlert {
	if len(profile.Conditions) == 0 && len(profile.Allergies) == 0 {
		return nil
	}
	return fanOut(profile.Medications, func(med safety.Medication) []*safety.SafetyAlert {
		label, err := m.gw.FetchDrugLabel(ctx, med.Name)
		if err != nil {
			m.logger.Warn("contraindication check skipped",
				zap.String("user_id", profile.UserID),
				zap.String("medication", med.Name),
				zap.Error(err))
			return nil
		}
		if label == nil {
			return nil
		}

		var alerts []*safety.SafetyAlert
		contraText := strings.ToLower(strings.Join(label.Contraindications, " "))
		for _, cond := range profile.Conditions {
			c := strings.ToLower(strings.TrimSpace(cond))
			if c == "" || !strings.Contains(contraText, c) {
				continue
			}
			alerts = append(alerts, &safety.SafetyAlert{
				ID:             safety.AlertID(safety.AlertContraindication, profile.UserID, med.Name, cond),
				UserID:         profile.UserID,
				Type:           safety.AlertContraindication,
				Severity:       safety.SeverityHigh,
				Medication:     med.Name,
				Title:          fmt.Sprintf("%s may be contraindicated for %s", med.Name, cond),
				Description:    fmt.Sprintf("The product label lists %q among its contraindications", cond),
				ActionRequired: "Discuss this medication with your prescriber before continuing",
				Source:         "FDA product labeling",
				CreatedAt:      now,
			})
		}

		for _, allergy := range profile.Allergies {
			al := strings.ToLower(strings.TrimSpace(allergy))
			if al == "" || !substanceMatches(label, al) {
				continue
			}
			alerts = append(alerts, &safety.SafetyAlert{
				ID:             safety.AlertID(safety.AlertContraindication, profile.UserID, med.Name, allergy),
				UserID:         profile.UserID,
				Type:           safety.AlertContraindication,
				Severity:       safety.SeverityCritical,
				Medication:     med.Name,
				Title:          fmt.Sprintf("%s conflicts with your %s allergy", med.Name, allergy),
				Description:    fmt.Sprintf("An active substance of %s matches your listed allergy %q", med.Name, allergy),
				ActionRequired: "DO NOT TAKE this medication; contact your prescriber immediately",
				Source:         "FDA product labeling",
				CreatedAt:      now,
			})
		}
		return alerts
	})
}

func substanceMatches(label *openfda.DrugLabel, allergy string) bool {
	for _, substance := range label.OpenFDA.SubstanceName {
		if strings.Contains(strings.ToLower(substance), allergy) {
			return true
		}
	}
	return false
}
