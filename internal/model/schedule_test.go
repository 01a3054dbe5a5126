package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Boxworker/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	type then struct {
		interval time.Duration
		err      string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"every 15 minutes", "*/15 * * * *", then{interval: 15 * time.Minute}},
		{"macro hourly", "@hourly", then{interval: time.Hour}},
		{"macro every", "@every 5s", then{interval: 5 * time.Second}},
		{"out of range", "* * 32 * *", then{err: "end of range (32) above maximum (31): 32"}},
		{"empty", " ", then{err: "empty cron expression"}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			interval, err := model.ParseCron(tc.given)
			if tc.then.err != "" {
				require.EqualError(t, err, tc.then.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.interval, interval)
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
	}{
		{"go", "1m30s", 90 * time.Second},
		{"go millis", "50ms", 50 * time.Millisecond},
		{"iso", "PT1M30S", 90 * time.Second},
		{"iso fraction", "PT0.5S", 500 * time.Millisecond},
		{"iso days", "P1DT1H", 25 * time.Hour},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseDuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		_, err := model.ParseDuration("PT")
		require.ErrorIs(t, err, model.ErrISOFormat)
		_, err = model.ParseDuration("soon")
		require.Error(t, err)
	})
}
