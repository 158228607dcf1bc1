package jobmetrics

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) Document {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc Document
	require.NoError(t, dec.Decode(&doc))
	return doc
}

func TestExtract(t *testing.T) {
	doc := decode(t, `{
		"jid": "7684be6e",
		"name": "orders-enrichment",
		"state": "RUNNING",
		"job-type": "STREAMING",
		"isStoppable": true,
		"start-time": 1700000000000,
		"end-time": -1,
		"duration": 3600000,
		"maxParallelism": 128,
		"now": 1700003600000,
		"vertices": []
	}`)

	m := Extract(doc)
	assert.Equal(t, "7684be6e", m.JobID)
	assert.Equal(t, "orders-enrichment", m.JobName)
	assert.Equal(t, "RUNNING", m.State)
	assert.Equal(t, "STREAMING", m.JobType)
	assert.Equal(t, true, m.IsStoppable)
	assert.Equal(t, json.Number("1700000000000"), m.StartTime)
	assert.Equal(t, json.Number("-1"), m.EndTime)
	assert.Equal(t, json.Number("3600000"), m.Duration)
	assert.Equal(t, json.Number("128"), m.MaxParallelism)
	assert.Equal(t, json.Number("1700003600000"), m.Now)
}

func TestExtractMissingFields(t *testing.T) {
	m := Extract(decode(t, `{"jid": "abc"}`))
	assert.Equal(t, "abc", m.JobID)
	assert.Nil(t, m.JobName)
	assert.Nil(t, m.State)
	assert.Nil(t, m.Duration)
	assert.Nil(t, m.IsStoppable)
	assert.Equal(t, false, m.Stoppable())
}

func TestExtractEmptyDocument(t *testing.T) {
	for name, doc := range map[string]Document{
		"nil":   nil,
		"empty": {},
	} {
		t.Run(name, func(t *testing.T) {
			m := Extract(doc)
			assert.Equal(t, JobMetrics{}, m)
			assert.Equal(t, false, m.Stoppable())
		})
	}
}

func TestExtractKeepsWrongTypes(t *testing.T) {
	m := Extract(decode(t, `{"name": 42, "duration": "soon", "isStoppable": "yes"}`))
	assert.Equal(t, json.Number("42"), m.JobName)
	assert.Equal(t, "soon", m.Duration)
	assert.Equal(t, "yes", m.Stoppable())
}
