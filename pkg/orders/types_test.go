package orders

import (
	"encoding/json"
	"testing"

	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDUnmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  ID
	}{
		{`"42"`, "42"},
		{`42`, "42"},
		{`null`, ""},
		{`"A-7"`, "A-7"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var id ID
			require.NoError(t, json.Unmarshal([]byte(tt.input), &id))
			assert.Equal(t, tt.want, id)
		})
	}

	var id ID
	assert.Error(t, json.Unmarshal([]byte(`{"id":1}`), &id))
}

func TestNewSnapshot(t *testing.T) {
	pending := []Order{
		{ID: "1", StationID: "3"},
		{ID: "2", StationID: "4"},
		{ID: "3"},
	}
	snap := NewSnapshot("3", pending, nil, []Order{{ID: "9", StationID: "3"}}, 1000)

	assert.Equal(t, []ID{"1", "3"}, ids(snap.Pending))
	assert.Empty(t, snap.InProgress)
	assert.Equal(t, 3, snap.Len())
	assert.False(t, snap.IsEmpty())

	var nilSnap *Snapshot
	assert.True(t, nilSnap.IsEmpty())
}

func TestBaselineIsNeverEmpty(t *testing.T) {
	keys := []string{
		store.KeyOrdersPending,
		store.KeyOrdersInProgress,
		store.KeyOrdersCompleted,
		store.KeyStations,
		store.KeyInventory,
	}
	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			v, ok := Baseline(key)
			require.True(t, ok)
			data, err := json.Marshal(v)
			require.NoError(t, err)

			var items []json.RawMessage
			require.NoError(t, json.Unmarshal(data, &items))
			assert.NotEmpty(t, items)
		})
	}

	_, ok := Baseline(store.KeyResilienceMode)
	assert.False(t, ok)
}
