package persist_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qazna.org/adminauth/internal/persist"
	"qazna.org/adminauth/internal/persist/porttest"
)

func TestMemoryPort(t *testing.T) {
	porttest.Run(t, func(t *testing.T) persist.Port { return persist.NewMemory() })
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	m := persist.NewMemory()
	doc := []byte(`{"a":1}`)
	require.NoError(t, m.Put(ctx, "c", "k", doc))
	doc[2] = 'z'
	got, err := m.Get(ctx, "c", "k")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(got))
	got[2] = 'y'
	again, err := m.Get(ctx, "c", "k")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(again))
}

func TestJSONPredicates(t *testing.T) {
	doc := []byte(`{"user_id":"U1","email":"Ann@Example.com","active":true,"expires_at":"2024-01-01T10:00:00Z"}`)
	cut := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)

	require.True(t, persist.FieldEquals("user_id", "U1")("", doc))
	require.False(t, persist.FieldEquals("user_id", "U2")("", doc))
	require.False(t, persist.FieldEquals("missing", "")("", doc))
	require.True(t, persist.FieldEqualFold("email", "ann@example.com")("", doc))
	require.True(t, persist.FieldTrue("active")("", doc))
	require.True(t, persist.TimeBefore("expires_at", cut)("", doc))
	require.False(t, persist.TimeAfter("expires_at", cut)("", doc))
	require.False(t, persist.TimeBefore("locked_until", cut)("", doc))
	require.True(t, persist.All(persist.FieldTrue("active"), nil, persist.FieldEquals("user_id", "U1"))("", doc))
}

func TestSetField(t *testing.T) {
	doc := []byte(`{"id":"s1","last_activity_at":"2024-01-01T00:00:00Z"}`)
	out, err := persist.SetField(doc, "last_activity_at", "2024-02-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, "2024-02-01T00:00:00Z", persist.Field(out, "last_activity_at"))
	require.Equal(t, "2024-01-01T00:00:00Z", persist.Field(doc, "last_activity_at"))
}

func TestPingWithoutPinger(t *testing.T) {
	require.NoError(t, persist.Ping(context.Background(), persist.NewMemory()))
	require.NoError(t, persist.Close(persist.NewMemory()))
}
