package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/go-lepton/common"
)

func TestWorkspaceURL(t *testing.T) {
	assert.Equal(t, "https://myws.cloud.lepton.ai/api/v1", WorkspaceURL("myws"))
}

func workspaceServer(t *testing.T, deployments []*common.DBDeployment) (*httptest.Server, *string) {
	t.Helper()
	var lastAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/deployments":
			json.NewEncoder(w).Encode(deployments)
		case r.Method == http.MethodDelete && r.URL.Path == "/deployments/gpt2-main":
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &lastAuth
}

func TestClientListDeployments(t *testing.T) {
	srv, lastAuth := workspaceServer(t, []*common.DBDeployment{
		{Name: "gpt2-main", State: common.DeploymentStateRunning},
	})
	c := New(srv.URL, "secret")

	deployments, err := c.ListDeployments(context.Background())
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, "gpt2-main", deployments[0].Name)
	assert.Equal(t, "Bearer secret", *lastAuth)
}

func TestClientRemoveDeployment(t *testing.T) {
	srv, lastAuth := workspaceServer(t, nil)
	c := New(srv.URL, "")

	require.NoError(t, c.RemoveDeployment(context.Background(), "gpt2-main"))
	assert.Empty(t, *lastAuth)

	err := c.RemoveDeployment(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestIsValidURL(t *testing.T) {
	assert.True(t, IsValidURL("http://localhost:8080/run"))
	assert.True(t, IsValidURL("https://myws.cloud.lepton.ai"))
	assert.False(t, IsValidURL("not a url"))
	assert.False(t, IsValidURL("/local/path"))
	assert.False(t, IsValidURL("localhost:8080"))
}

func TestIsLocalURL(t *testing.T) {
	assert.True(t, IsLocalURL("http://localhost:8080"))
	assert.True(t, IsLocalURL("http://127.0.0.1:21001/run"))
	assert.True(t, IsLocalURL("http://0.0.0.0:21001"))
	assert.False(t, IsLocalURL("https://myws.cloud.lepton.ai"))
	assert.False(t, IsLocalURL("not a url"))
}

func TestGetFileContentBytes(t *testing.T) {
	content, err := GetFileContent([]byte("raw"), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), content)
}

func TestGetFileContentURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("downloaded"))
	}))
	defer srv.Close()

	content, err := GetFileContent(srv.URL, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("downloaded"), content)
}

func TestGetFileContentURLDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := GetFileContent(url, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to download content from url: "+url)
}

func TestGetFileContentLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights_test.bin")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0644))

	content, err := GetFileContent(path, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), content)

	// Local reads are refused unless explicitly allowed.
	_, err = GetFileContent(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to get file content from source")
}

func TestGetFileContentDataURI(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))

	content, err := GetFileContent("data:text/plain;base64,"+encoded, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	// media type parameters are tolerated
	content, err = GetFileContent("data:text/plain;charset=utf-8;base64,"+encoded, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	_, err = GetFileContent("data:text/plain;base64,!!!notbase64!!!", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid base64 string")

	// non-base64 data URIs fall through to the source error
	_, err = GetFileContent("data:,plain%20text", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to get file content from source")
}

func TestGetFileContentBareBase64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))
	require.Zero(t, len(encoded)%4)

	content, err := GetFileContent(encoded, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)
}

func TestGetFileContentBadSource(t *testing.T) {
	_, err := GetFileContent("definitely not a source!!", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to get file content from source")

	_, err = GetFileContent(42, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Got int")
}
