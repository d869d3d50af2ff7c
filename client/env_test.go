package client

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvironment_ScenarioSix(t *testing.T) {
	header := http.Header{
		"Host":         []string{"x:81"},
		"Content-Type": []string{"t"},
		"X-Foo":        []string{"y"},
	}
	meta := map[string]string{"REMOTE_ADDR": "1.2.3.4"}

	env, err := buildEnvironment(http.MethodPost, "/a?b=1", header, meta)
	require.NoError(t, err)

	assert.Equal(t, "POST", env["REQUEST_METHOD"])
	assert.Equal(t, "/a", env["PATH_INFO"])
	assert.Equal(t, "b=1", env["QUERY_STRING"])
	assert.Equal(t, "x", env["SERVER_NAME"])
	assert.Equal(t, "81", env["SERVER_PORT"])
	assert.Equal(t, "t", env["CONTENT_TYPE"])
	assert.Equal(t, "y", env["HTTP_X_FOO"])
	assert.Equal(t, "1.2.3.4", env["REMOTE_ADDR"])
}

func TestBuildEnvironment_NoHostHeaderLeavesServerNameUnset(t *testing.T) {
	env, err := buildEnvironment(http.MethodGet, "/", http.Header{}, nil)
	require.NoError(t, err)

	_, hasName := env["SERVER_NAME"]
	_, hasPort := env["SERVER_PORT"]
	assert.False(t, hasName)
	assert.False(t, hasPort)
}

func TestBuildEnvironment_MetaWinsOverSynthesized(t *testing.T) {
	meta := map[string]string{"REQUEST_METHOD": "OVERRIDE"}

	env, err := buildEnvironment(http.MethodGet, "/", http.Header{}, meta)
	require.NoError(t, err)

	assert.Equal(t, "OVERRIDE", env["REQUEST_METHOD"])
}

func TestFoldHeaders_SplitsEmbeddedNewlines(t *testing.T) {
	h := foldHeaders(map[string]string{"Set-Cookie": "a=1\nb=2"})

	assert.Equal(t, []string{"a=1", "b=2"}, h["Set-Cookie"])
}
