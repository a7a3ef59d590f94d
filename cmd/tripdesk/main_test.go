package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripdesk/internal/domain"
)

func TestEventFlags(t *testing.T) {
	t.Run("text gets the agent prefix", func(t *testing.T) {
		f := eventFlags{typ: domain.ResultEventType, name: domain.A2ACapability, text: `{"totalBudget":10}`}
		evt, err := f.event()
		require.NoError(t, err)
		var s string
		require.NoError(t, json.Unmarshal(evt.Result, &s))
		assert.Equal(t, domain.A2AResponsePrefix+`{"totalBudget":10}`, s)
	})
	t.Run("result must be JSON", func(t *testing.T) {
		f := eventFlags{typ: domain.ResultEventType, result: "{nope"}
		_, err := f.event()
		require.Error(t, err)
	})
	t.Run("text and result exclude each other", func(t *testing.T) {
		f := eventFlags{text: "a", result: `"b"`}
		_, err := f.event()
		require.Error(t, err)
	})
	t.Run("file holds a whole event", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "evt.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"type":"result","name":"x","result":{"destination":"Rome","meals":[]}}`), 0o644))
		evt, err := (&eventFlags{file: path}).event()
		require.NoError(t, err)
		assert.Equal(t, "x", evt.Name)
		assert.JSONEq(t, `{"destination":"Rome","meals":[]}`, string(evt.Result))
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abc…", truncate("abcdef", 4))
}
