package safety

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.False(t, Severity("bogus").AtLeast(SeverityLow))
}

func TestAlertIDDeterministic(t *testing.T) {
	a := AlertID(AlertRecall, "user-1", "Atorvastatin", "D-1234-2026")
	b := AlertID(AlertRecall, "user-1", "atorvastatin", " D-1234-2026 ")
	c := AlertID(AlertRecall, "user-1", "Atorvastatin", "D-9999-2026")
	d := AlertID(AlertAdverseEvent, "user-1", "Atorvastatin", "D-1234-2026")

	assert.Equal(t, a, b, "case and whitespace must not change the ID")
	assert.NotEqual(t, a, c, "different discriminator must change the ID")
	assert.NotEqual(t, a, d, "different type must change the ID")
	assert.Len(t, a, 64)
}

func TestAlertExpiry(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(-time.Hour)

	alert := &SafetyAlert{ExpiresAt: &expiry}
	assert.True(t, alert.Expired(now))
	assert.False(t, alert.Active(now))

	alert = &SafetyAlert{}
	assert.False(t, alert.Expired(now))
	assert.True(t, alert.Active(now))

	alert = &SafetyAlert{Dismissed: true}
	assert.False(t, alert.Active(now))
}

func TestQuietHoursContains(t *testing.T) {
	at := func(hh, mm int) time.Time {
		return time.Date(2026, 8, 31, hh, mm, 0, 0, time.UTC)
	}

	plain := QuietHours{Start: "13:00", End: "15:00"}
	assert.True(t, plain.Contains(at(13, 0)))
	assert.True(t, plain.Contains(at(14, 59)))
	assert.False(t, plain.Contains(at(15, 0)))
	assert.False(t, plain.Contains(at(12, 59)))

	wrapping := QuietHours{Start: "22:00", End: "08:00"}
	assert.True(t, wrapping.Contains(at(23, 30)))
	assert.True(t, wrapping.Contains(at(2, 0)))
	assert.True(t, wrapping.Contains(at(7, 59)))
	assert.False(t, wrapping.Contains(at(8, 0)))
	assert.False(t, wrapping.Contains(at(12, 0)))

	assert.False(t, QuietHours{}.Contains(at(3, 0)), "zero value is disabled")
}

func TestSettingsValidation(t *testing.T) {
	s := DefaultSettings("user-1")
	require.NoError(t, s.Validate())

	s.QuietHours = QuietHours{Start: "22:00", End: "08:00"}
	s.MinSeverity = SeverityHigh
	require.NoError(t, s.Validate())

	bad := DefaultSettings("user-1")
	bad.QuietHours = QuietHours{Start: "25:99", End: "08:00"}
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	bad = DefaultSettings("user-1")
	bad.Channels = []Channel{"carrier_pigeon"}
	assert.Error(t, bad.Validate())

	bad = DefaultSettings("")
	assert.Error(t, bad.Validate())
}
