// Package verify resolves free-text medication names to canonical product
// catalog entries, with a confidence score and actionable findings.
package verify

import (
	"regexp"
	"strings"
)

// brandAliases maps well-known brand names to their generic equivalent,
// applied before any catalog search.
var brandAliases = map[string]string{
	"advil":      "ibuprofen",
	"amoxil":     "amoxicillin",
	"benadryl":   "diphenhydramine",
	"coumadin":   "warfarin",
	"crestor":    "rosuvastatin",
	"glucophage": "metformin",
	"lasix":      "furosemide",
	"lipitor":    "atorvastatin",
	"motrin":     "ibuprofen",
	"nexium":     "esomeprazole",
	"norvasc":    "amlodipine",
	"plavix":     "clopidogrel",
	"prilosec":   "omeprazole",
	"prozac":     "fluoxetine",
	"synthroid":  "levothyroxine",
	"tylenol":    "acetaminophen",
	"valium":     "diazepam",
	"xanax":      "alprazolam",
	"zocor":      "simvastatin",
	"zoloft":     "sertraline",
}

// dosageForms are trailing form words stripped during normalization.
var dosageForms = map[string]struct{}{
	"tablet": {}, "tablets": {},
	"capsule": {}, "capsules": {},
	"injection": {}, "solution": {}, "suspension": {},
	"cream": {}, "ointment": {}, "gel": {}, "lotion": {},
	"syrup": {}, "spray": {}, "patch": {}, "drops": {},
	"inhaler": {}, "suppository": {},
}

var trailingDosage = regexp.MustCompile(`\s*\d+(\.\d+)?\s*(mg|mcg|g|ml|iu|units?)?$`)

// Normalize lower-cases the name, strips trailing dosage-form words and
// numeric dosage suffixes, and applies the brand alias table.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))

	for {
		stripped := trailingDosage.ReplaceAllString(n, "")
		if stripped == n {
			break
		}
		n = strings.TrimSpace(stripped)
	}

	words := strings.Fields(n)
	for len(words) > 0 {
		if _, ok := dosageForms[words[len(words)-1]]; !ok {
			break
		}
		words = words[:len(words)-1]
	}
	n = strings.Join(words, " ")

	if generic, ok := brandAliases[n]; ok {
		return generic
	}
	return n
}

// variants returns fallback search strings tried when the normalized name
// finds nothing: the no-space form and the first word alone.
func variants(normalized string) []string {
	var out []string
	if noSpace := strings.ReplaceAll(normalized, " ", ""); noSpace != normalized {
		out = append(out, noSpace)
	}
	if fields := strings.Fields(normalized); len(fields) > 1 {
		out = append(out, fields[0])
	}
	return out
}

// saltSuffixes are trailing salt-form words ignored when testing for an
// exact name match ("atorvastatin" matches "atorvastatin calcium").
var saltSuffixes = map[string]struct{}{
	"besylate": {}, "calcium": {}, "citrate": {}, "hcl": {},
	"hydrochloride": {}, "maleate": {}, "mesylate": {}, "potassium": {},
	"sodium": {}, "succinate": {}, "sulfate": {}, "tartrate": {},
}

func stripSalt(name string) string {
	words := strings.Fields(name)
	for len(words) > 1 {
		if _, ok := saltSuffixes[words[len(words)-1]]; !ok {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// dosageNumber extracts the leading numeric portion of a dosage string
// ("20mg" -> "20"); empty when there is none.
var leadingNumber = regexp.MustCompile(`\d+(\.\d+)?`)

func dosageNumber(dosage string) string {
	return leadingNumber.FindString(dosage)
}
