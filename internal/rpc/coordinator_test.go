package rpc

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

func TestStructCarriesBinaryAndLargeNumbers(t *testing.T) {
	in := ResultsRequest{
		TaskID: 12,
		Files:  []types.ResultFile{{Name: "a.png", ContentType: "image/png", Data: []byte{0, 1, 2, 255}}},
	}
	s, err := ToStruct(in)
	require.NoError(t, err)

	var out ResultsRequest
	require.NoError(t, FromStruct(s, &out))
	assert.Equal(t, in, out)

	worker := types.WorkerDetails{Key: types.WorkerKey{UserID: "u", Hostname: "h", DeviceName: "cuda", DeviceIndex: 1}, VRAMTotal: 24 << 30}
	s, err = ToStruct(KeepaliveRequest{TaskID: 3, Worker: worker})
	require.NoError(t, err)
	var ka KeepaliveRequest
	require.NoError(t, FromStruct(s, &ka))
	assert.Equal(t, worker, ka.Worker)
}

func TestNextTaskResponseWithoutTask(t *testing.T) {
	s, err := ToStruct(NextTaskResponse{})
	require.NoError(t, err)
	out := NextTaskResponse{Task: &types.Task{}}
	require.NoError(t, FromStruct(s, &out))
	assert.Nil(t, out.Task)
}

func TestNextTaskResponseKeepsTask(t *testing.T) {
	created := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	task := &types.Task{
		TaskID:      9,
		Name:        "upscale",
		Priority:    2,
		InputParams: map[string]any{"scale": 2.0, "nested": map[string]any{"k": "v"}},
		Outputs:     []types.OutputDescriptor{{ComfyNodeID: "9", Type: "image"}},
		UserID:      "alice",
		CreatedAt:   created,
	}
	s, err := ToStruct(NextTaskResponse{Task: task})
	require.NoError(t, err)

	var out NextTaskResponse
	require.NoError(t, FromStruct(s, &out))
	require.NotNil(t, out.Task)
	assert.Equal(t, task.TaskID, out.Task.TaskID)
	assert.Equal(t, task.InputParams, out.Task.InputParams)
	assert.Equal(t, task.Outputs, out.Task.Outputs)
	assert.True(t, created.Equal(out.Task.CreatedAt))
}

func TestBasicAuthMetadata(t *testing.T) {
	md, err := BasicAuth{Username: "worker", Password: "s3cret"}.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("worker:s3cret")), md["authorization"])
	assert.False(t, BasicAuth{}.RequireTransportSecurity())
	assert.Equal(t, "/flowqueue.v1.Coordinator/NextTask", FullMethod(MethodNextTask))
}
