package risk

import "github.com/ukuqala/medguard/internal/domain/safety"

// recommendations derives patient guidance from the aggregate analysis.
// The general medication-safety items are always appended.
func recommendations(risks []safety.MedicationRisk, patient safety.Patient, medCount int) []string {
	var recs []string

	elevated := false
	for i := range risks {
		if risks[i].Level == safety.RiskHigh || risks[i].Level == safety.RiskCritical {
			elevated = true
			break
		}
	}
	if elevated {
		recs = append(recs,
			"Schedule a clinical review of your high-risk medications with your provider",
			"Keep a daily symptom diary and report new or worsening symptoms promptly",
		)
	}
	if medCount > 3 {
		recs = append(recs,
			"Ask your pharmacist for a full medication review to check for overlaps",
			"Use a pill organizer or reminder app to support adherence",
		)
	}
	if patient.Age > 65 {
		recs = append(recs,
			"Discuss periodic kidney and liver function monitoring with your provider",
			"Ask whether conservative dosing is appropriate for your age",
		)
	}

	recs = append(recs,
		"Tell every healthcare provider about all medications and supplements you take",
		"Never stop a prescribed medication abruptly without medical guidance",
		"Check expiration dates and dispose of expired medications safely",
	)
	return recs
}
