package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukuqala/medguard/internal/openfda"
)

type stubCatalog struct {
	products map[string][]openfda.NDCProduct
	err      error
	calls    []string
}

func (s *stubCatalog) SearchProducts(_ context.Context, name string, _ int, _ ...openfda.QueryOption) ([]openfda.NDCProduct, error) {
	s.calls = append(s.calls, name)
	if s.err != nil {
		return nil, s.err
	}
	return s.products[name], nil
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Lipitor 20mg":             "atorvastatin",
		"  TYLENOL ":               "acetaminophen",
		"Metformin tablets 500 mg": "metformin",
		"amoxicillin capsules":     "amoxicillin",
		"warfarin 2.5 mg":          "warfarin",
		"insulin glargine":         "insulin glargine",
	}
	for input, want := range cases {
		assert.Equal(t, want, Normalize(input), "input %q", input)
	}
}

func TestVerifyBrandAliasResolvesToGeneric(t *testing.T) {
	cat := &stubCatalog{products: map[string][]openfda.NDCProduct{
		"atorvastatin": {{
			ProductNDC:  "0071-0155",
			GenericName: "ATORVASTATIN CALCIUM",
			BrandName:   "LIPITOR",
			ProductType: "HUMAN PRESCRIPTION DRUG",
			Route:       []string{"ORAL"},
			ActiveIngredients: []openfda.ActiveIngredient{
				{Name: "ATORVASTATIN CALCIUM", Strength: "20 mg/1"},
			},
		}},
	}}
	eng := NewEngine(cat, nil)

	res, err := eng.Verify(context.Background(), Request{Name: "Lipitor 20mg", Dosage: "20mg", Route: "oral"})
	require.NoError(t, err)

	assert.Equal(t, "atorvastatin", res.NormalizedName)
	assert.Equal(t, StatusVerified, res.Status)
	assert.Equal(t, 1.0, res.Confidence)
	require.NotNil(t, res.Match)
	assert.Equal(t, "LIPITOR", res.Match.BrandName)
	assert.Empty(t, res.Findings)
}

func TestVerifyNotFoundTriesVariants(t *testing.T) {
	cat := &stubCatalog{products: map[string][]openfda.NDCProduct{}}
	eng := NewEngine(cat, nil)

	res, err := eng.Verify(context.Background(), Request{Name: "insulin glargine"})
	require.NoError(t, err)

	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, []string{"insulin glargine", "insulinglargine", "insulin"}, cat.calls)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "name_mismatch", res.Findings[0].Code)
}

func TestVerifyMultipleCloseMatches(t *testing.T) {
	cat := &stubCatalog{products: map[string][]openfda.NDCProduct{
		"metformin": {
			{GenericName: "METFORMIN ER", BrandName: "GLUCOPHAGE XR"},
			{GenericName: "METFORMIN XR", BrandName: "GLUMETZA"},
		},
	}}
	eng := NewEngine(cat, nil)

	res, err := eng.Verify(context.Background(), Request{Name: "metformin"})
	require.NoError(t, err)

	assert.Equal(t, StatusMultipleMatches, res.Status)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.Len(t, res.Alternatives, 1)
}

func TestVerifyPartialMatchLowConfidence(t *testing.T) {
	cat := &stubCatalog{products: map[string][]openfda.NDCProduct{
		"lisinoprl": {{GenericName: "HYDROCHLOROTHIAZIDE", BrandName: ""}},
	}}
	eng := NewEngine(cat, nil)

	res, err := eng.Verify(context.Background(), Request{Name: "lisinoprl"})
	require.NoError(t, err)

	assert.Equal(t, StatusPartialMatch, res.Status)
	assert.Less(t, res.Confidence, 0.5)

	codes := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		codes = append(codes, f.Code)
	}
	assert.Contains(t, codes, "low_confidence")
}

func TestVerifyDosageAndRouteMismatchFindings(t *testing.T) {
	cat := &stubCatalog{products: map[string][]openfda.NDCProduct{
		"amoxicillin": {{
			GenericName: "AMOXICILLIN",
			Route:       []string{"ORAL"},
			ActiveIngredients: []openfda.ActiveIngredient{
				{Name: "AMOXICILLIN", Strength: "500 mg/1"},
			},
		}},
	}}
	eng := NewEngine(cat, nil)

	res, err := eng.Verify(context.Background(), Request{Name: "amoxicillin", Dosage: "875mg", Route: "intravenous"})
	require.NoError(t, err)

	assert.Equal(t, StatusVerified, res.Status)
	codes := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		codes = append(codes, f.Code)
	}
	assert.Contains(t, codes, "dosage_mismatch")
	assert.Contains(t, codes, "route_mismatch")
}

func TestVerifyRankingPrefersDosageAndRouteMatch(t *testing.T) {
	cat := &stubCatalog{products: map[string][]openfda.NDCProduct{
		"ibuprofen": {
			{
				ProductNDC:  "weak",
				GenericName: "IBUPROFEN",
			},
			{
				ProductNDC:  "strong",
				GenericName: "IBUPROFEN",
				Route:       []string{"ORAL"},
				ProductType: "HUMAN PRESCRIPTION DRUG",
				ActiveIngredients: []openfda.ActiveIngredient{
					{Name: "IBUPROFEN", Strength: "800 mg/1"},
				},
			},
		},
	}}
	eng := NewEngine(cat, nil)

	res, err := eng.Verify(context.Background(), Request{Name: "ibuprofen", Dosage: "800mg", Route: "oral"})
	require.NoError(t, err)

	require.NotNil(t, res.Match)
	assert.Equal(t, "strong", res.Match.ProductNDC)
}

func TestVerifyBatchIsolatesFailures(t *testing.T) {
	good := &stubCatalog{products: map[string][]openfda.NDCProduct{
		"warfarin": {{GenericName: "WARFARIN SODIUM", BrandName: "COUMADIN"}},
	}}
	eng := NewEngine(good, nil)

	results := eng.VerifyBatch(context.Background(), []Request{
		{Name: "Coumadin"},
		{Name: "no-such-drug"},
	})
	require.Len(t, results, 2)
	assert.Equal(t, StatusVerified, results[0].Status)
	assert.Equal(t, StatusNotFound, results[1].Status)

	broken := &stubCatalog{err: errors.New("upstream down")}
	eng = NewEngine(broken, nil)
	results = eng.VerifyBatch(context.Background(), []Request{{Name: "aspirin"}})
	require.Len(t, results, 1)
	require.Len(t, results[0].Findings, 1)
	assert.Equal(t, "catalog_unavailable", results[0].Findings[0].Code)
}

func TestVerifySharedShortTokenScoresOverlap(t *testing.T) {
	cat := &stubCatalog{products: map[string][]openfda.NDCProduct{
		"abc one": {{GenericName: "ABC TWO"}},
	}}
	eng := NewEngine(cat, nil)

	// The shared token "abc" is exactly three characters; it must score the
	// token-overlap tier, not fall through to edit distance.
	res, err := eng.Verify(context.Background(), Request{Name: "abc one"})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	assert.Equal(t, StatusPartialMatch, res.Status)
}
