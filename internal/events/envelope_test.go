package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/ledgercore/internal/domain"
)

func TestSerializeDeserializeAccountCreated(t *testing.T) {
	ev := New("chart-of-accounts-t1", "t1", 1, &AccountCreated{
		Code:           "1000",
		Name:           "Cash",
		AccountType:    domain.AccountTypeAsset,
		PostingAllowed: true,
	})
	ev.CorrelationID = "corr-1"

	data, err := ev.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.AggregateID, got.AggregateID)
	assert.Equal(t, ev.Version, got.Version)
	assert.Equal(t, ev.TenantID, got.TenantID)
	assert.Equal(t, ev.SchemaVersion, got.SchemaVersion)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.True(t, ev.OccurredAt.Equal(got.OccurredAt))

	payload, ok := got.Payload.(*AccountCreated)
	require.True(t, ok)
	assert.Equal(t, "1000", payload.Code)
	assert.Equal(t, domain.AccountTypeAsset, payload.AccountType)
	assert.True(t, payload.PostingAllowed)
}

func TestSerializeDeserializeJournalEntryPosted(t *testing.T) {
	posted := &JournalEntryPosted{
		EntryID: "JE1",
		Lines: []PostedLine{
			{AccountCode: "1000", DebitCents: 12345},
			{AccountCode: "4000", CreditCents: 12345},
		},
		Reference: "INV-001",
		PostedBy:  "alice",
		PostedAt:  time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	}
	ev := New("journal-entry-JE1", "t1", 1, posted)

	data, err := ev.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)

	payload, ok := got.Payload.(*JournalEntryPosted)
	require.True(t, ok)
	require.Len(t, payload.Lines, 2)
	assert.Equal(t, int64(12345), payload.Lines[0].DebitCents)
	assert.Equal(t, int64(12345), payload.Lines[1].CreditCents)
	assert.Equal(t, "INV-001", payload.Reference)
}

func TestDeserializePrefersCentsStrings(t *testing.T) {
	// A float view that would round wrong must lose to the cents string.
	line := []byte(`{"accountCode":"1000","debit":0.1,"credit":0,"debitCents":"11"}`)

	var l PostedLine
	require.NoError(t, json.Unmarshal(line, &l))
	assert.Equal(t, int64(11), l.DebitCents)

	// Without a cents string the float view is rounded.
	var fallback PostedLine
	require.NoError(t, json.Unmarshal([]byte(`{"accountCode":"1000","debit":0.1,"credit":0}`), &fallback))
	assert.Equal(t, int64(10), fallback.DebitCents)
}

func TestDeserializeRejections(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"id":            "0d9bb7a3-3cc0-4c60-9a48-7f9d2f1f9a20",
			"aggregateId":   "chart-of-accounts-t1",
			"version":       1,
			"occurredAt":    "2026-01-15T12:00:00Z",
			"tenantId":      "t1",
			"eventType":     TypeAccountCreated,
			"schemaVersion": 1,
			"code":          "1000",
			"name":          "Cash",
			"accountType":   "Asset",
		}
	}
	mutate := func(t *testing.T, fn func(doc map[string]interface{})) error {
		t.Helper()
		doc := base()
		fn(doc)
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		_, err = Deserialize(data)
		return err
	}

	// Baseline document is accepted
	assert.NoError(t, mutate(t, func(map[string]interface{}) {}))

	assert.Error(t, mutate(t, func(d map[string]interface{}) { d["eventType"] = "AccountRenamed" }))
	assert.Error(t, mutate(t, func(d map[string]interface{}) { d["version"] = 0 }))
	assert.Error(t, mutate(t, func(d map[string]interface{}) { d["schemaVersion"] = 0 }))
	assert.Error(t, mutate(t, func(d map[string]interface{}) { d["occurredAt"] = "yesterday" }))
	assert.Error(t, mutate(t, func(d map[string]interface{}) { d["id"] = "not-a-uuid" }))
	assert.Error(t, mutate(t, func(d map[string]interface{}) { d["aggregateId"] = "journal-entry-JE1" }))
	assert.Error(t, mutate(t, func(d map[string]interface{}) { d["aggregateId"] = "chart-of-accounts-" }))
	assert.Error(t, mutate(t, func(d map[string]interface{}) { d["accountType"] = "CRYPTO" }))

	// Newer schema versions pass through
	assert.NoError(t, mutate(t, func(d map[string]interface{}) { d["schemaVersion"] = 2 }))
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, "accounting.journal.posted", TopicFor(TypeJournalEntryPosted))
	assert.Equal(t, "accounting.account.created", TopicFor(TypeAccountCreated))
}
