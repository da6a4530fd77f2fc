package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// FlowPreparer turns a task's flow definition and input parameters into the
// concrete workflow graph the engine executes. A *types.ValidationError
// rejects the admission.
type FlowPreparer interface {
	Prepare(ctx context.Context, task *types.Task, flow map[string]any) (graph map[string]any, outputs []types.OutputDescriptor, err error)
}

// FlowPreparerFunc adapts a function to FlowPreparer.
type FlowPreparerFunc func(ctx context.Context, task *types.Task, flow map[string]any) (map[string]any, []types.OutputDescriptor, error)

func (f FlowPreparerFunc) Prepare(ctx context.Context, task *types.Task, flow map[string]any) (map[string]any, []types.OutputDescriptor, error) {
	return f(ctx, task, flow)
}

// PassthroughPreparer accepts a ready graph in engine API format
// ({node_id: {"class_type": ..., "inputs": {...}}}).
//
// String inputs of the form "{{param}}" are replaced with the task's input
// parameter of that name. Output descriptors are derived from nodes whose
// class_type starts with "Save" or "Preview" unless the request gave them.
type PassthroughPreparer struct{}

func (PassthroughPreparer) Prepare(_ context.Context, task *types.Task, flow map[string]any) (map[string]any, []types.OutputDescriptor, error) {
	if len(flow) == 0 {
		return nil, nil, &types.ValidationError{Field: "flow_comfy", Reason: "empty workflow graph"}
	}

	graph := make(map[string]any, len(flow))
	for id, raw := range flow {
		node, ok := raw.(map[string]any)
		if !ok {
			return nil, nil, &types.ValidationError{Field: "flow_comfy", Reason: fmt.Sprintf("node %s is not an object", id)}
		}
		if ct, _ := node["class_type"].(string); ct == "" {
			return nil, nil, &types.ValidationError{Field: "flow_comfy", Reason: fmt.Sprintf("node %s has no class_type", id)}
		}
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[k] = v
		}
		if inputs, ok := node["inputs"].(map[string]any); ok {
			resolved, err := substitute(inputs, task.InputParams)
			if err != nil {
				return nil, nil, err
			}
			out["inputs"] = resolved
		}
		graph[id] = out
	}
	return graph, deriveOutputs(graph), nil
}

func substitute(inputs, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
			out[k] = v
			continue
		}
		name := strings.TrimSpace(s[2 : len(s)-2])
		val, ok := params[name]
		if !ok {
			return nil, &types.ValidationError{Field: "input_params." + name, Reason: "required by the flow"}
		}
		out[k] = val
	}
	return out, nil
}

func deriveOutputs(graph map[string]any) []types.OutputDescriptor {
	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var outputs []types.OutputDescriptor
	for _, id := range ids {
		ct, _ := graph[id].(map[string]any)["class_type"].(string)
		if !strings.HasPrefix(ct, "Save") && !strings.HasPrefix(ct, "Preview") {
			continue
		}
		kind := "image"
		switch lower := strings.ToLower(ct); {
		case strings.Contains(lower, "video") || strings.Contains(lower, "animated"):
			kind = "video"
		case strings.Contains(lower, "audio"):
			kind = "audio"
		case strings.Contains(lower, "text"):
			kind = "text"
		}
		outputs = append(outputs, types.OutputDescriptor{ComfyNodeID: id, Type: kind})
	}
	return outputs
}
