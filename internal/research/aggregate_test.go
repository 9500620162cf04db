package research

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/AICouncil/internal/provider"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

var web = []tree.WebResult{{Title: "IEA", Link: "https://iea.org"}}

func TestMergeKeepsResearchFields(t *testing.T) {
	p := &tree.Payload{
		Summary:    "overview",
		KeyPoints:  []string{"a"},
		WebResults: []tree.WebResult{{Title: "invented"}},
	}
	merged, err := Merge(p, nil, web, nil)
	require.NoError(t, err)
	assert.Equal(t, "overview", merged.Summary)
	assert.Equal(t, []string{"a"}, merged.KeyPoints)
	assert.Equal(t, web, merged.WebResults)
	assert.False(t, merged.Partial)
	assert.Len(t, p.WebResults, 1, "input payload must not be modified")
}

func TestMergeIgnoresSearchFailure(t *testing.T) {
	merged, err := Merge(&tree.Payload{Summary: "s"}, nil, nil, provider.ErrNoSearch)
	require.NoError(t, err)
	assert.Equal(t, "s", merged.Summary)
	assert.Nil(t, merged.WebResults)
}

func TestMergePartial(t *testing.T) {
	merged, err := Merge(nil, provider.ErrProviderFailed, web, nil)
	require.NoError(t, err)
	assert.True(t, merged.Partial)
	assert.Equal(t, &tree.Payload{WebResults: web, Partial: true}, merged)
}

func TestMergeBothFailed(t *testing.T) {
	researchErr := errors.New("research down")
	_, err := Merge(nil, researchErr, nil, errors.New("search down"))
	assert.Equal(t, researchErr, err)

	_, err = Merge(nil, researchErr, nil, nil)
	assert.Equal(t, researchErr, err, "an empty search is no fallback")
}

func TestMergeNilPayload(t *testing.T) {
	merged, err := Merge(nil, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, merged.Empty())
}
