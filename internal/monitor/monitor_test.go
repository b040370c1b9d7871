package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/infrastructure/memstore"
	"github.com/ukuqala/medguard/internal/openfda"
	"github.com/ukuqala/medguard/internal/risk"
)

type stubGateway struct {
	events  map[string][]openfda.AdverseEventReport
	labels  map[string]*openfda.DrugLabel
	recalls map[string][]openfda.RecallRecord
	signal  *openfda.InteractionSignal
	fail    bool
}

func (s *stubGateway) SearchAdverseEvents(_ context.Context, med string, _ int, _ ...openfda.QueryOption) ([]openfda.AdverseEventReport, error) {
	if s.fail {
		return nil, errors.New("upstream unavailable")
	}
	return s.events[med], nil
}

func (s *stubGateway) FetchDrugLabel(_ context.Context, med string, _ ...openfda.QueryOption) (*openfda.DrugLabel, error) {
	if s.fail {
		return nil, errors.New("upstream unavailable")
	}
	return s.labels[med], nil
}

func (s *stubGateway) FetchRecalls(_ context.Context, med string, _ int, _ ...openfda.QueryOption) ([]openfda.RecallRecord, error) {
	if s.fail {
		return nil, errors.New("upstream unavailable")
	}
	return s.recalls[med], nil
}

func (s *stubGateway) CheckInteractions(_ context.Context, _ []string, _ ...openfda.QueryOption) (*openfda.InteractionSignal, error) {
	if s.fail {
		return nil, errors.New("upstream unavailable")
	}
	return s.signal, nil
}

func newMonitor(gw *stubGateway, store safety.Store) *Monitor {
	eng := risk.NewEngine(gw, risk.DefaultThresholds(), nil)
	return New(DefaultConfig(), gw, eng, store, nil, nil)
}

func seriousReports(term string, n int) []openfda.AdverseEventReport {
	out := make([]openfda.AdverseEventReport, n)
	for i := range out {
		out[i].Serious = "1"
		out[i].Patient.Reactions = []openfda.EventReaction{{Term: term}}
	}
	return out
}

func TestEnrollEmitsRecallAlertAndSuppressesRepeats(t *testing.T) {
	initiated := time.Now().AddDate(0, 0, -5).Format("20060102")
	gw := &stubGateway{recalls: map[string][]openfda.RecallRecord{
		"valsartan": {{
			RecallNumber:   "D-0001-2026",
			Classification: "Class I",
			InitiationDate: initiated,
			Reason:         "impurity above acceptable limit",
			RecallingFirm:  "Example Pharma",
		}},
	}}
	store := memstore.New()
	mon := newMonitor(gw, store)

	profile := &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "valsartan"}},
	}
	alerts, err := mon.Enroll(context.Background(), profile)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	alert := alerts[0]
	assert.Equal(t, safety.AlertRecall, alert.Type)
	assert.Equal(t, safety.SeverityCritical, alert.Severity)
	assert.Contains(t, alert.ActionRequired, "immediately")
	require.NotNil(t, alert.ExpiresAt)

	// Same underlying recall, second run: nothing new.
	again, err := mon.CheckNow(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := store.GetProfile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, stored.LastMonitored.IsZero())
	assert.GreaterOrEqual(t, stored.RiskScore, 45.0)
}

func TestStaleRecallIgnored(t *testing.T) {
	initiated := time.Now().AddDate(0, 0, -120).Format("20060102")
	gw := &stubGateway{recalls: map[string][]openfda.RecallRecord{
		"valsartan": {{RecallNumber: "D-0002-2026", Classification: "Class I", InitiationDate: initiated}},
	}}
	mon := newMonitor(gw, memstore.New())

	alerts, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "valsartan"}},
	})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestAllergyConflictIsCritical(t *testing.T) {
	gw := &stubGateway{labels: map[string]*openfda.DrugLabel{
		"Amoxicillin": {OpenFDA: openfda.LabelIndex{
			SubstanceName: []string{"AMOXICILLIN (PENICILLIN CLASS)"},
		}},
	}}
	mon := newMonitor(gw, memstore.New())

	alerts, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "Amoxicillin"}},
		Allergies:   []string{"penicillin"},
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	alert := alerts[0]
	assert.Equal(t, safety.AlertContraindication, alert.Type)
	assert.Equal(t, safety.SeverityCritical, alert.Severity)
	assert.Contains(t, alert.ActionRequired, "DO NOT TAKE")
}

func TestConditionContraindicationIsHigh(t *testing.T) {
	gw := &stubGateway{labels: map[string]*openfda.DrugLabel{
		"methotrexate": {Contraindications: []string{"Contraindicated in pregnancy."}},
	}}
	mon := newMonitor(gw, memstore.New())

	alerts, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "methotrexate"}},
		Conditions:  []string{"pregnancy"},
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, safety.SeverityHigh, alerts[0].Severity)
}

func TestAdverseEventClusters(t *testing.T) {
	events := seriousReports("DIZZINESS", 12)
	events = append(events, seriousReports("Nausea", 4)...)
	events = append(events, seriousReports("Rash", 2)...)
	gw := &stubGateway{events: map[string][]openfda.AdverseEventReport{"drug": events}}
	mon := newMonitor(gw, memstore.New())

	alerts, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "drug"}},
	})
	require.NoError(t, err)
	require.Len(t, alerts, 2) // rash stays below the cluster minimum

	assert.Equal(t, safety.SeverityHigh, alerts[0].Severity)
	assert.Contains(t, alerts[0].Description, "dizziness")
	assert.Equal(t, safety.SeverityMedium, alerts[1].Severity)
	assert.Contains(t, alerts[1].Description, "nausea")
}

func TestInteractionAlertHasOrderIndependentID(t *testing.T) {
	gw := &stubGateway{signal: &openfda.InteractionSignal{
		Medications:  []string{"warfarin", "aspirin"},
		Risk:         openfda.InteractionHigh,
		ReportCount:  20,
		SeriousCount: 8,
	}}
	store := memstore.New()
	mon := newMonitor(gw, store)

	alerts, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "warfarin"}, {Name: "aspirin"}},
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, safety.SeverityHigh, alerts[0].Severity)

	// Reversed medication order re-derives the same ID, so nothing new.
	again, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "aspirin"}, {Name: "warfarin"}},
	})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSeverityFloorFiltersAlerts(t *testing.T) {
	initiated := time.Now().AddDate(0, 0, -5).Format("20060102")
	gw := &stubGateway{recalls: map[string][]openfda.RecallRecord{
		"drug": {{RecallNumber: "D-0003-2026", Classification: "Class III", InitiationDate: initiated}},
	}}
	mon := newMonitor(gw, memstore.New())
	require.NoError(t, mon.UpdateSchedule(time.Hour, safety.SeverityHigh, false))

	alerts, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "drug"}},
	})
	require.NoError(t, err)
	assert.Empty(t, alerts) // Class III maps to medium, below the floor
}

func TestAcknowledgeAndDismiss(t *testing.T) {
	initiated := time.Now().AddDate(0, 0, -5).Format("20060102")
	gw := &stubGateway{recalls: map[string][]openfda.RecallRecord{
		"drug": {{RecallNumber: "D-0004-2026", Classification: "Class I", InitiationDate: initiated}},
	}}
	store := memstore.New()
	mon := newMonitor(gw, store)

	alerts, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "drug"}},
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	require.NoError(t, mon.Acknowledge(context.Background(), id))
	stored, err := store.GetAlert(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, stored.Acknowledged)

	require.NoError(t, mon.Dismiss(context.Background(), id))
	active, err := mon.ListActiveAlerts(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestGatewayFailureDoesNotFailCheck(t *testing.T) {
	mon := newMonitor(&stubGateway{fail: true}, memstore.New())

	alerts, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "drug"}},
	})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestUpdateScheduleValidation(t *testing.T) {
	mon := newMonitor(&stubGateway{}, memstore.New())

	err := mon.UpdateSchedule(0, safety.SeverityLow, false)
	assert.ErrorIs(t, err, safety.ErrValidation)

	err = mon.UpdateSchedule(time.Hour, safety.Severity("urgent"), false)
	assert.ErrorIs(t, err, safety.ErrValidation)
}

func TestStartStop(t *testing.T) {
	mon := newMonitor(&stubGateway{}, memstore.New())

	require.NoError(t, mon.Start(context.Background()))
	assert.Error(t, mon.Start(context.Background()))
	mon.Stop()
	mon.Stop() // idempotent

	require.NoError(t, mon.Start(context.Background()))
	mon.Stop()
}
func TestAlertSinkReceivesOnlyNewAlerts(t *testing.T) {
	initiated := time.Now().AddDate(0, 0, -5).Format("20060102")
	gw := &stubGateway{recalls: map[string][]openfda.RecallRecord{
		"valsartan": {{RecallNumber: "D-0003-2026", Classification: "Class I", InitiationDate: initiated}},
	}}
	mon := newMonitor(gw, memstore.New())

	var seen []*safety.SafetyAlert
	mon.SetAlertSink(func(_ context.Context, alert *safety.SafetyAlert) {
		seen = append(seen, alert)
	})

	_, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "valsartan"}},
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, safety.AlertRecall, seen[0].Type)

	// Suppressed duplicate on the second run never reaches the sink.
	_, err = mon.CheckNow(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestConcurrentScheduleUpdateDuringCheck(t *testing.T) {
	initiated := time.Now().AddDate(0, 0, -5).Format("20060102")
	gw := &stubGateway{
		recalls: map[string][]openfda.RecallRecord{
			"valsartan": {{RecallNumber: "D-0004-2026", Classification: "Class I", InitiationDate: initiated}},
		},
		events: map[string][]openfda.AdverseEventReport{
			"valsartan": seriousReports("dizziness", 5),
		},
	}
	mon := newMonitor(gw, memstore.New())

	_, err := mon.Enroll(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "valsartan"}},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			include := i%2 == 0
			require.NoError(t, mon.UpdateSchedule(time.Hour, safety.SeverityLow, include))
		}
	}()
	for i := 0; i < 20; i++ {
		_, err := mon.CheckNow(context.Background(), "user-1")
		require.NoError(t, err)
	}
	<-done
}
