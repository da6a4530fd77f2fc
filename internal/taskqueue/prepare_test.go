package taskqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

func TestPassthroughSubstitutesParams(t *testing.T) {
	task := &types.Task{InputParams: map[string]any{"prompt": "a cat", "steps": 20.0}}
	flow := map[string]any{
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"steps": "{{ steps }}", "cfg": 7.0}},
		"6": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": "{{prompt}}"}},
		"9": map[string]any{"class_type": "SaveImage", "inputs": map[string]any{}},
		"10": map[string]any{"class_type": "SaveAnimatedWEBP", "inputs": map[string]any{}},
	}

	g, outs, err := PassthroughPreparer{}.Prepare(context.Background(), task, flow)
	require.NoError(t, err)
	assert.Equal(t, 20.0, g["3"].(map[string]any)["inputs"].(map[string]any)["steps"])
	assert.Equal(t, 7.0, g["3"].(map[string]any)["inputs"].(map[string]any)["cfg"])
	assert.Equal(t, "a cat", g["6"].(map[string]any)["inputs"].(map[string]any)["text"])
	assert.Equal(t, []types.OutputDescriptor{
		{ComfyNodeID: "10", Type: "video"},
		{ComfyNodeID: "9", Type: "image"},
	}, outs)

	// The request's flow is not modified.
	assert.Equal(t, "{{prompt}}", flow["6"].(map[string]any)["inputs"].(map[string]any)["text"])
}

func TestPassthroughRejectsBadGraphs(t *testing.T) {
	task := &types.Task{InputParams: map[string]any{}}
	for name, flow := range map[string]map[string]any{
		"empty":         {},
		"not an object": {"1": "oops"},
		"no class_type": {"1": map[string]any{"inputs": map[string]any{}}},
		"missing param": {"1": map[string]any{"class_type": "X", "inputs": map[string]any{"a": "{{nope}}"}}},
	} {
		_, _, err := PassthroughPreparer{}.Prepare(context.Background(), task, flow)
		assert.True(t, types.IsValidationError(err), name)
	}
}
