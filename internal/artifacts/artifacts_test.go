package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowqueue/internal/files"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

func TestLocalPut(t *testing.T) {
	root := t.TempDir()
	dirs, err := files.New(files.Config{
		InputDir:  filepath.Join(root, "in"),
		OutputDir: filepath.Join(root, "out"),
	})
	require.NoError(t, err)

	s, err := New(Config{}, dirs)
	require.NoError(t, err)

	loc, err := s.Put(context.Background(), 4, types.ResultFile{Name: "img.png", Data: []byte("png")})
	require.NoError(t, err)
	assert.Equal(t, "4_img.png", filepath.Base(loc))

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

func TestLocalDelete(t *testing.T) {
	root := t.TempDir()
	dirs, err := files.New(files.Config{
		InputDir:  filepath.Join(root, "in"),
		OutputDir: filepath.Join(root, "out"),
	})
	require.NoError(t, err)
	s := NewLocal(dirs)
	ctx := context.Background()

	_, err = s.Put(ctx, 4, types.ResultFile{Name: "a.png", Data: []byte("a")})
	require.NoError(t, err)
	_, err = s.Put(ctx, 5, types.ResultFile{Name: "b.png", Data: []byte("b")})
	require.NoError(t, err)
	_, err = dirs.WriteInput(4, "src.png", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, 4))
	assert.Empty(t, dirs.Outputs(4))
	assert.Len(t, dirs.Inputs(4), 1, "inputs are not results")
	assert.Len(t, dirs.Outputs(5), 1)

	assert.NoError(t, s.Delete(ctx, 4), "deleting twice is fine")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Backend: "local"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Backend: "minio"}, nil)
	assert.Error(t, err, "minio needs an endpoint")

	_, err = New(Config{Backend: "ftp"}, nil)
	assert.Error(t, err)
}

func TestNewMinIODefaults(t *testing.T) {
	m, err := NewMinIO(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "flowqueue-results", m.bucket)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "12/out.png", ObjectKey(12, "out.png"))
	assert.Equal(t, "12/passwd", ObjectKey(12, "../../etc/passwd"))
}
