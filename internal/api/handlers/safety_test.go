package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/infrastructure/memstore"
	"github.com/ukuqala/medguard/internal/monitor"
	"github.com/ukuqala/medguard/internal/openfda"
	"github.com/ukuqala/medguard/internal/risk"
	"github.com/ukuqala/medguard/internal/verify"
)

type stubGateway struct {
	recalls  map[string][]openfda.RecallRecord
	products map[string][]openfda.NDCProduct
}

func (s *stubGateway) SearchAdverseEvents(_ context.Context, _ string, _ int, _ ...openfda.QueryOption) ([]openfda.AdverseEventReport, error) {
	return nil, nil
}

func (s *stubGateway) FetchDrugLabel(_ context.Context, _ string, _ ...openfda.QueryOption) (*openfda.DrugLabel, error) {
	return nil, nil
}

func (s *stubGateway) FetchRecalls(_ context.Context, med string, _ int, _ ...openfda.QueryOption) ([]openfda.RecallRecord, error) {
	return s.recalls[med], nil
}

func (s *stubGateway) CheckInteractions(_ context.Context, _ []string, _ ...openfda.QueryOption) (*openfda.InteractionSignal, error) {
	return nil, nil
}

func (s *stubGateway) SearchProducts(_ context.Context, name string, _ int, _ ...openfda.QueryOption) ([]openfda.NDCProduct, error) {
	return s.products[name], nil
}

func newServer(t *testing.T, gw *stubGateway) *httptest.Server {
	t.Helper()
	store := memstore.New()
	eng := risk.NewEngine(gw, risk.DefaultThresholds(), nil)
	mon := monitor.New(monitor.DefaultConfig(), gw, eng, store, nil, nil)
	verifier := verify.NewEngine(gw, nil)

	h := NewSafetyHandler(mon, verifier, zap.NewNop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func TestEnrollAndListAlerts(t *testing.T) {
	initiated := time.Now().AddDate(0, 0, -5).Format("20060102")
	gw := &stubGateway{recalls: map[string][]openfda.RecallRecord{
		"valsartan": {{RecallNumber: "D-0100-2026", Classification: "Class I", InitiationDate: initiated}},
	}}
	srv := newServer(t, gw)

	body := `{"user_id":"user-1","medications":[{"name":"valsartan"}]}`
	resp, err := http.Post(srv.URL+"/profiles", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/profiles/user-1/alerts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var listed struct {
		Alerts []safety.SafetyAlert `json:"alerts"`
		Count  int                  `json:"count"`
	}
	require.NoError(t, decodeJSON(resp, &listed))
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, safety.AlertRecall, listed.Alerts[0].Type)
}

func TestEnrollRejectsMissingUserID(t *testing.T) {
	srv := newServer(t, &stubGateway{})

	resp, err := http.Post(srv.URL+"/profiles", "application/json",
		strings.NewReader(`{"medications":[{"name":"aspirin"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckNowUnknownUser(t *testing.T) {
	srv := newServer(t, &stubGateway{})

	resp, err := http.Post(srv.URL+"/profiles/ghost/check", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerifyEndpoint(t *testing.T) {
	gw := &stubGateway{products: map[string][]openfda.NDCProduct{
		"atorvastatin": {{GenericName: "ATORVASTATIN CALCIUM", BrandName: "LIPITOR"}},
	}}
	srv := newServer(t, gw)

	resp, err := http.Post(srv.URL+"/verify", "application/json",
		strings.NewReader(`{"name":"atorvastatin"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result verify.Result
	require.NoError(t, decodeJSON(resp, &result))
	assert.Equal(t, verify.StatusVerified, result.Status)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	srv := newServer(t, &stubGateway{})

	resp, err := http.Post(srv.URL+"/alerts/nope/acknowledge", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateScheduleRejectsBadInterval(t *testing.T) {
	srv := newServer(t, &stubGateway{})

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/schedule",
		strings.NewReader(`{"check_interval":"soon","severity_floor":"low"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
