package openfda

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukuqala/medguard/internal/domain/safety"
)

const eventFixture = `{"results":[
	{"receivedate":"20260115","serious":"1","seriousnessdeath":"1",
	 "patient":{"patientonsetage":"64","patientsex":"2","patientweight":"70",
	  "drug":[{"medicinalproduct":"ATORVASTATIN"}],
	  "reaction":[{"reactionmeddrapt":"Myalgia"},{"reactionmeddrapt":"Nausea"}]}},
	{"receivedate":"20260120","serious":"2",
	 "patient":{"drug":[{"medicinalproduct":"ATORVASTATIN"}],
	  "reaction":[{"reactionmeddrapt":"Headache"}]}}
]}`

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.PerMinuteLimit = 50
	cfg.PerDayLimit = 500
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return client, srv
}

func TestSearchAdverseEvents(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drug/event.json", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("search"), "aspirin")
		w.Write([]byte(eventFixture))
	}, nil)

	reports, err := client.SearchAdverseEvents(context.Background(), "aspirin", 10)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.True(t, reports[0].IsSerious())
	assert.True(t, reports[0].ReportsDeath())
	assert.Equal(t, "Myalgia", reports[0].Patient.Reactions[0].Term)
	assert.False(t, reports[1].IsSerious())
}

func TestFetchDrugLabelNoMatch(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	label, err := client.FetchDrugLabel(context.Background(), "nosuchdrug")
	require.NoError(t, err, "zero matches is not an upstream failure")
	assert.Nil(t, label)
}

func TestCachedCallBypassesCountersAndNetwork(t *testing.T) {
	var hits int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(eventFixture))
	}, nil)

	first, err := client.SearchAdverseEvents(context.Background(), "aspirin", 10)
	require.NoError(t, err)
	minuteAfterFirst, dayAfterFirst := client.Remaining()

	second, err := client.SearchAdverseEvents(context.Background(), "aspirin", 10)
	require.NoError(t, err)

	minuteAfterSecond, dayAfterSecond := client.Remaining()
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits), "second call must not reach the network")
	assert.Equal(t, minuteAfterFirst, minuteAfterSecond, "cache hit must not consume quota")
	assert.Equal(t, dayAfterFirst, dayAfterSecond)
	assert.Equal(t, first, second)
}

func TestRateLimitExceeded(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	}, func(cfg *Config) {
		cfg.PerMinuteLimit = 2
	})

	// Distinct search terms so the cache cannot satisfy them.
	_, err := client.SearchAdverseEvents(context.Background(), "drug-a", 10)
	require.NoError(t, err)
	_, err = client.SearchAdverseEvents(context.Background(), "drug-b", 10)
	require.NoError(t, err)

	_, err = client.SearchAdverseEvents(context.Background(), "drug-c", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, safety.ErrRateLimited))
}

func TestUpstreamErrorSurfaced(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	_, err := client.SearchAdverseEvents(context.Background(), "aspirin", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, safety.ErrUpstreamUnavailable))
}

func TestCheckInteractions(t *testing.T) {
	serious := `{"results":[
		{"serious":"1","patient":{}}, {"serious":"1","patient":{}},
		{"serious":"1","patient":{}}, {"serious":"1","patient":{}},
		{"serious":"1","patient":{}}, {"serious":"1","patient":{}},
		{"serious":"2","patient":{}}
	]}`
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(serious))
	}, nil)

	signal, err := client.CheckInteractions(context.Background(), []string{"warfarin", "aspirin"})
	require.NoError(t, err)
	assert.Equal(t, InteractionHigh, signal.Risk, "6 serious co-occurrences exceed the high threshold")
	assert.Equal(t, 7, signal.ReportCount)
	assert.Equal(t, 6, signal.SeriousCount)

	_, err = client.CheckInteractions(context.Background(), []string{"alone"})
	assert.Error(t, err)
}

func TestCheckInteractionsMediumAndLow(t *testing.T) {
	responses := []string{
		`{"results":[{"serious":"1","patient":{}},{"serious":"1","patient":{}},{"serious":"1","patient":{}}]}`,
		`{"results":[{"serious":"1","patient":{}},{"serious":"2","patient":{}}]}`,
	}
	var call int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(responses[atomic.AddInt64(&call, 1)-1]))
	}, nil)

	signal, err := client.CheckInteractions(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, InteractionMedium, signal.Risk)

	signal, err = client.CheckInteractions(context.Background(), []string{"c", "d"})
	require.NoError(t, err)
	assert.Equal(t, InteractionLow, signal.Risk)
}

func TestRecallInitiationTime(t *testing.T) {
	rec := RecallRecord{InitiationDate: "20260826"}
	ts, ok := rec.InitiationTime()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), ts)

	rec = RecallRecord{InitiationDate: "not-a-date"}
	_, ok = rec.InitiationTime()
	assert.False(t, ok)
}
