package verify

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/openfda"
	"github.com/ukuqala/medguard/pkg/fuzzy"
)

// Status classifies the outcome of a verification.
type Status string

const (
	StatusVerified        Status = "verified"
	StatusPartialMatch    Status = "partial_match"
	StatusMultipleMatches Status = "multiple_matches"
	StatusNotFound        Status = "not_found"
)

// Finding is a discrepancy or caution surfaced during verification.
type Finding struct {
	Severity       safety.Severity `json:"severity"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
	Recommendation string          `json:"recommendation,omitempty"`
}

// Request is a single medication to verify.
type Request struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage,omitempty"`
	Route  string `json:"route,omitempty"`
}

// Result is the outcome for one Request.
type Result struct {
	Input          Request               `json:"input"`
	NormalizedName string                `json:"normalized_name"`
	Status         Status                `json:"status"`
	Confidence     float64               `json:"confidence"`
	Match          *openfda.NDCProduct   `json:"match,omitempty"`
	Alternatives   []openfda.NDCProduct  `json:"alternatives,omitempty"`
	Findings       []Finding             `json:"findings,omitempty"`
}

// catalog is the slice of the gateway the engine needs.
type catalog interface {
	SearchProducts(ctx context.Context, name string, limit int, opts ...openfda.QueryOption) ([]openfda.NDCProduct, error)
}

// Engine verifies medication entries against the product catalog.
type Engine struct {
	catalog catalog
	logger  *zap.Logger
	tracer  trace.Tracer
}

func NewEngine(c catalog, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		catalog: c,
		logger:  logger,
		tracer:  otel.Tracer("verify-engine"),
	}
}

const searchLimit = 10

// Verify resolves a single medication entry. It never returns an error for a
// merely unrecognized name; catalog failures are the only error path.
func (e *Engine) Verify(ctx context.Context, req Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "verify.medication",
		trace.WithAttributes(attribute.String("medication.name", req.Name)))
	defer span.End()

	normalized := Normalize(req.Name)
	res := &Result{Input: req, NormalizedName: normalized, Status: StatusNotFound}
	if normalized == "" {
		res.Findings = append(res.Findings, Finding{
			Severity: safety.SeverityHigh,
			Code:     "name_mismatch",
			Message:  "medication name is empty after normalization",
		})
		return res, nil
	}

	products, err := e.catalog.SearchProducts(ctx, normalized, searchLimit)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		for _, v := range variants(normalized) {
			products, err = e.catalog.SearchProducts(ctx, v, searchLimit)
			if err != nil {
				return nil, err
			}
			if len(products) > 0 {
				break
			}
		}
	}

	if len(products) == 0 {
		res.Findings = append(res.Findings, Finding{
			Severity:       safety.SeverityHigh,
			Code:           "name_mismatch",
			Message:        "no catalog product matches " + req.Name,
			Recommendation: "confirm the medication name with the prescriber or pharmacy",
		})
		span.SetAttributes(attribute.String("verify.status", string(res.Status)))
		return res, nil
	}

	scored := make([]scoredProduct, len(products))
	for i, p := range products {
		scored[i] = scoredProduct{
			product:    p,
			confidence: matchConfidence(normalized, p),
			rank:       rankProduct(p, req),
		}
	}

	best, second := topConfidences(scored)
	res.Confidence = best

	switch {
	case best < 0.8:
		res.Status = StatusPartialMatch
	case len(scored) > 1 && best < 1.0 && best-second < 0.05:
		res.Status = StatusMultipleMatches
	default:
		res.Status = StatusVerified
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].rank != scored[j].rank {
			return scored[i].rank > scored[j].rank
		}
		return scored[i].confidence > scored[j].confidence
	})

	match := scored[0].product
	res.Match = &match
	for _, sp := range scored[1:] {
		res.Alternatives = append(res.Alternatives, sp.product)
		if len(res.Alternatives) == 4 {
			break
		}
	}

	res.Findings = append(res.Findings, e.inspect(req, scored)...)

	span.SetAttributes(
		attribute.String("verify.status", string(res.Status)),
		attribute.Float64("verify.confidence", res.Confidence),
	)
	e.logger.Debug("medication verified",
		zap.String("input", req.Name),
		zap.String("normalized", normalized),
		zap.String("status", string(res.Status)),
		zap.Float64("confidence", res.Confidence))
	return res, nil
}

// VerifyBatch verifies each entry independently. A catalog failure on one
// entry is recorded as a finding on that entry rather than failing the batch.
func (e *Engine) VerifyBatch(ctx context.Context, reqs []Request) []*Result {
	results := make([]*Result, len(reqs))
	for i, req := range reqs {
		res, err := e.Verify(ctx, req)
		if err != nil {
			res = &Result{
				Input:          req,
				NormalizedName: Normalize(req.Name),
				Status:         StatusNotFound,
				Findings: []Finding{{
					Severity:       safety.SeverityMedium,
					Code:           "catalog_unavailable",
					Message:        "product catalog lookup failed: " + err.Error(),
					Recommendation: "retry verification once the catalog is reachable",
				}},
			}
			e.logger.Warn("batch entry verification failed",
				zap.String("input", req.Name), zap.Error(err))
		}
		results[i] = res
	}
	return results
}

type scoredProduct struct {
	product    openfda.NDCProduct
	confidence float64
	rank       float64
}

// matchConfidence scores how well a normalized name matches a product:
// exact name equality 1.0, substring containment 0.8, shared token 0.6,
// otherwise the best edit-distance similarity.
func matchConfidence(normalized string, p openfda.NDCProduct) float64 {
	generic := strings.ToLower(p.GenericName)
	brand := strings.ToLower(p.BrandName)

	if normalized == generic || normalized == brand || normalized == stripSalt(generic) {
		return 1.0
	}
	for _, candidate := range []string{generic, brand} {
		if candidate == "" {
			continue
		}
		if strings.Contains(candidate, normalized) || strings.Contains(normalized, candidate) {
			return 0.8
		}
	}
	if fuzzy.TokenOverlap(normalized, generic, 2) || fuzzy.TokenOverlap(normalized, brand, 2) {
		return 0.6
	}
	sim := fuzzy.Similarity(normalized, generic)
	if bs := fuzzy.Similarity(normalized, brand); bs > sim {
		sim = bs
	}
	return sim
}

// rankProduct orders candidates for best-match selection. Richer catalog
// records win: listed ingredients, a dosage strength matching the request,
// a matching route, and prescription products all raise the rank.
func rankProduct(p openfda.NDCProduct, req Request) float64 {
	rank := 1.0
	if len(p.ActiveIngredients) > 0 {
		rank += 0.5
	}
	if num := dosageNumber(req.Dosage); num != "" && strengthMatches(p, num) {
		rank += 1.0
	}
	if req.Route != "" && routeMatches(p, req.Route) {
		rank += 1.0
	}
	if p.IsPrescription() {
		rank += 0.3
	}
	return rank
}

func strengthMatches(p openfda.NDCProduct, num string) bool {
	for _, ing := range p.ActiveIngredients {
		if strings.Contains(ing.Strength, num) {
			return true
		}
	}
	return false
}

func routeMatches(p openfda.NDCProduct, route string) bool {
	for _, r := range p.Route {
		if strings.EqualFold(r, route) {
			return true
		}
	}
	return false
}

func topConfidences(scored []scoredProduct) (best, second float64) {
	for _, sp := range scored {
		if sp.confidence > best {
			second = best
			best = sp.confidence
		} else if sp.confidence > second {
			second = sp.confidence
		}
	}
	return best, second
}

// inspect emits findings for dosage and route discrepancies and low overall
// confidence against the scored candidate set.
func (e *Engine) inspect(req Request, scored []scoredProduct) []Finding {
	var findings []Finding

	if num := dosageNumber(req.Dosage); num != "" {
		found := false
		for _, sp := range scored {
			if strengthMatches(sp.product, num) {
				found = true
				break
			}
		}
		if !found {
			findings = append(findings, Finding{
				Severity:       safety.SeverityMedium,
				Code:           "dosage_mismatch",
				Message:        "dosage " + req.Dosage + " does not match any catalog strength",
				Recommendation: "confirm the prescribed strength against the product label",
			})
		}
	}

	if req.Route != "" {
		found := false
		for _, sp := range scored {
			if routeMatches(sp.product, req.Route) {
				found = true
				break
			}
		}
		if !found {
			findings = append(findings, Finding{
				Severity:       safety.SeverityMedium,
				Code:           "route_mismatch",
				Message:        "route " + req.Route + " is not listed for any matched product",
				Recommendation: "confirm the administration route with the prescriber",
			})
		}
	}

	best, _ := topConfidences(scored)
	if best < 0.5 {
		findings = append(findings, Finding{
			Severity:       safety.SeverityMedium,
			Code:           "low_confidence",
			Message:        "best catalog match is a weak fuzzy match",
			Recommendation: "verify the medication name manually",
		})
	}
	return findings
}
