package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	testCases := []struct {
		in       string
		expected time.Time
	}{
		{"2024-01-15T09:30:00.250Z", time.Date(2024, 1, 15, 9, 30, 0, 250e6, time.UTC)},
		{"2024-01-15T09:30:00Z", time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)},
		{"2024-01-15 09:30:00", time.Date(2024, 1, 15, 9, 30, 0, 0, time.Local)},
		{"1705311000", time.Unix(1705311000, 0)},
		{"1705311000.5", time.Unix(1705311000, 5e8)},
	}
	for _, tc := range testCases {
		ts, err := ParseTimestamp(tc.in)
		require.NoError(t, err, "parse %q", tc.in)
		assert.True(t, ts.Equal(tc.expected), "parse %q = %v, expected %v", tc.in, ts, tc.expected)
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
	_, err = ParseTimestamp("")
	assert.Error(t, err)
}

func TestChannelFromSensorID(t *testing.T) {
	ch, err := ChannelFromSensorID("temperature_temp_module_01_03")
	require.NoError(t, err)
	assert.Equal(t, 3, ch)

	ch, err = ChannelFromSensorID("wind_speed_wind_module_01_12")
	require.NoError(t, err)
	assert.Equal(t, 12, ch)

	_, err = ChannelFromSensorID("nounderscorechannel")
	assert.Error(t, err)
	_, err = ChannelFromSensorID("module_abc")
	assert.Error(t, err)
}

func TestParseRealtimeHash(t *testing.T) {
	rec, err := ParseRealtimeHash(map[string]string{
		"timestamp": "2024-01-15T09:30:00.000Z",
		"value":     "25.5",
		"raw":       "255",
		"unit":      "°C",
		"channel":   "3",
		"module_id": "temp_module_01",
	})
	require.NoError(t, err)
	assert.Equal(t, 25.5, rec.Value)
	assert.Equal(t, int64(255), rec.Raw)
	assert.Equal(t, 3, rec.Channel)
	assert.Equal(t, "temp_module_01", rec.ModuleID)
	assert.True(t, rec.Timestamp.Equal(time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)))

	_, err = ParseRealtimeHash(map[string]string{"value": "1"})
	assert.Error(t, err, "missing timestamp must fail")
	_, err = ParseRealtimeHash(map[string]string{"timestamp": "2024-01-15 09:30:00"})
	assert.Error(t, err, "missing value must fail")
}

func TestParseLegacyRealtimeHash(t *testing.T) {
	ts, channels, err := ParseLegacyRealtimeHash(map[string]string{
		"timestamp":  "2024-01-15 09:30:00",
		"channel_01": "24.9",
		"channel_02": "25.1",
		"channel_xx": "garbage",
	})
	require.NoError(t, err)
	assert.False(t, ts.IsZero())
	assert.Equal(t, map[int]float64{1: 24.9, 2: 25.1}, channels)

	_, _, err = ParseLegacyRealtimeHash(map[string]string{"timestamp": "2024-01-15 09:30:00"})
	assert.Error(t, err, "hash without channel fields must fail")
}

func TestParseHistoryEntry(t *testing.T) {
	ts, values, err := ParseHistoryEntry([]byte(`{"timestamp":"2024-01-15 09:30:00","temperatures":[24.9,25.1]}`))
	require.NoError(t, err)
	assert.Equal(t, []float64{24.9, 25.1}, values)
	assert.True(t, ts.Equal(time.Date(2024, 1, 15, 9, 30, 0, 0, time.Local)))

	_, _, err = ParseHistoryEntry([]byte(`{"timestamp":"not a time","values":[1]}`))
	assert.Error(t, err)
}

func TestParseStatisticsHash(t *testing.T) {
	syncedAt := time.Now()
	doc, err := ParseStatisticsHash(map[string]string{
		"min":         "-2",
		"max":         "30",
		"avg":         "19.75",
		"count":       "4",
		"channel_min": "02",
		"channel_max": "03",
		"channel_01":  "26",
		"channel_02":  "-2",
		"channel_03":  "30",
		"last_update": "2024-01-15T09:30:00.000Z",
	}, "20240115_093000", syncedAt)
	require.NoError(t, err)
	assert.Equal(t, "20240115_093000", doc.SessionPrefix)
	assert.Equal(t, -2.0, doc.Statistics.Min)
	assert.Equal(t, 30.0, doc.Statistics.Max)
	assert.Equal(t, 19.75, doc.Statistics.Avg)
	assert.Equal(t, "02", doc.Statistics.ChannelMin)
	assert.Equal(t, "03", doc.Statistics.ChannelMax)
	assert.Equal(t, 3, doc.ChannelCount)
	assert.Equal(t, 26.0, doc.Channels["channel_01"])
	assert.Equal(t, syncedAt, doc.SyncedAt)

	_, err = ParseStatisticsHash(map[string]string{"max": "1", "avg": "1"}, "s", syncedAt)
	assert.Error(t, err, "missing min must fail")
}

func TestDedupPoints(t *testing.T) {
	points := []TimeseriesPoint{
		{Score: 1.0, Value: 25.0},
		{Score: 1.0, Value: 25.0}, // duplicate legacy member
		{Score: 1.0, Value: 26.0}, // same score, different value: keep
		{Score: 2.0, Value: 25.0},
	}
	got := DedupPoints(points)
	assert.Equal(t, []TimeseriesPoint{
		{Score: 1.0, Value: 25.0},
		{Score: 1.0, Value: 26.0},
		{Score: 2.0, Value: 25.0},
	}, got)
}
