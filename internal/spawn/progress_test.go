package spawn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgressDecodesFullPayload(t *testing.T) {
	data := []byte(`{
		"phase": "implementing",
		"percentComplete": 42,
		"currentAction": "writing tests",
		"subtasks": [{"description": "parse spec", "status": "done"}],
		"filesModified": ["a.go", "b.go"],
		"tokensUsed": 1000,
		"costSoFar": 0.25,
		"updatedAt": 123456
	}`)

	p, err := ParseProgress(data)
	require.NoError(t, err)
	assert.Equal(t, "implementing", p.Phase)
	assert.Equal(t, 42, p.PercentComplete)
	assert.Len(t, p.Subtasks, 1)
	assert.Equal(t, "parse spec", p.Subtasks[0].Description)
	assert.Equal(t, []string{"a.go", "b.go"}, p.FilesModified)
	assert.Equal(t, 0.25, p.CostSoFar)
}

func TestParseProgressMissingFieldsDefaultToZero(t *testing.T) {
	p, err := ParseProgress([]byte(`{"phase": "starting"}`))
	require.NoError(t, err)
	assert.Equal(t, "starting", p.Phase)
	assert.Equal(t, 0, p.PercentComplete)
	assert.Nil(t, p.Subtasks)
	assert.Equal(t, 0.0, p.CostSoFar)
}

func TestParseProgressMalformedJSONErrors(t *testing.T) {
	_, err := ParseProgress([]byte(`{not json`))
	assert.Error(t, err)
}
