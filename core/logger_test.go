package core

import (
	"testing"
	"time"

	"gemini-gateway/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncLogSinkFlushOnClose(t *testing.T) {
	db := openTestDB(t)
	sink := NewAsyncLogSink(db, testLogger())

	sink.RecordRequest(&models.RequestLog{
		KeyFingerprint: "key-...-0001",
		UpstreamModel:  "gemini-2.0-flash",
		Success:        true,
		StatusCode:     200,
		LatencyMs:      42,
		Timestamp:      time.Now(),
	})
	sink.RecordError(&models.ErrorLog{
		KeyFingerprint: "key-...-0001",
		UpstreamModel:  "gemini-2.0-flash",
		Message:        "quota exceeded",
		Timestamp:      time.Now(),
	})

	// Close 必须把尚未批量落库的条目刷出去
	sink.Close()

	var reqCount, errCount int64
	require.NoError(t, db.Model(&models.RequestLog{}).Count(&reqCount).Error)
	require.NoError(t, db.Model(&models.ErrorLog{}).Count(&errCount).Error)
	assert.EqualValues(t, 1, reqCount)
	assert.EqualValues(t, 1, errCount)

	var entry models.RequestLog
	require.NoError(t, db.First(&entry).Error)
	assert.Equal(t, "key-...-0001", entry.KeyFingerprint)
	assert.True(t, entry.Success)
	assert.EqualValues(t, 42, entry.LatencyMs)
}

func TestAsyncLogSinkPrune(t *testing.T) {
	db := openTestDB(t)
	sink := NewAsyncLogSink(db, testLogger())
	sink.keepRows = 10

	for i := 0; i < 25; i++ {
		sink.RecordRequest(&models.RequestLog{
			KeyFingerprint: "key-...-0001",
			Success:        true,
			Timestamp:      time.Now(),
		})
	}
	sink.Close()

	var count int64
	require.NoError(t, db.Model(&models.RequestLog{}).Count(&count).Error)
	assert.LessOrEqual(t, count, int64(10))
}
