package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmaint/dispatchd/internal/app"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)

	endpointURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client, err := NewClient(
		&app.SessionManagerOptions{EndpointURL: endpointURL, Endpoint: server.URL},
		logger,
	)
	require.NoError(t, err)

	return client, server
}

func TestOpenCreatesSession(t *testing.T) {
	var gotPath string

	var gotRequest createSessionRequest

	client, server := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&createSessionResponse{
			SessionID:   "6fa459ea-ee8a-3ca4-894e-db77e160355e",
			TopicPrefix: "fleet/device/asset-001-bmc",
		})
	})
	defer server.Close()

	session, err := client.Open(context.Background(), "bmc-ctrl", "asset-001-bmc")
	require.NoError(t, err)

	assert.Equal(t, app.SessionManagerPath, gotPath)
	assert.Equal(t, "bmc-ctrl", gotRequest.TypeID)
	assert.Equal(t, "asset-001-bmc", gotRequest.AssetID)

	assert.Equal(t, "6fa459ea-ee8a-3ca4-894e-db77e160355e", session.SessionID)
	assert.Equal(t, "fleet/device/asset-001-bmc", session.TopicPrefix)
	assert.Equal(t, "bmc-ctrl", session.TypeID)
	assert.Equal(t, "asset-001-bmc", session.AssetID)
}

func TestOpenRejectsUnexpectedStatus(t *testing.T) {
	client, server := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	defer server.Close()

	_, err := client.Open(context.Background(), "bmc-ctrl", "asset-001-bmc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionRequest))
}

func TestOpenRejectsMalformedBody(t *testing.T) {
	client, server := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	defer server.Close()

	_, err := client.Open(context.Background(), "bmc-ctrl", "asset-001-bmc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionResponse))
}

func TestOpenValidatesResponseSchema(t *testing.T) {
	cases := []struct {
		name     string
		response createSessionResponse
	}{
		{"missing topic prefix", createSessionResponse{SessionID: "6fa459ea-ee8a-3ca4-894e-db77e160355e"}},
		{"session id not a uuid", createSessionResponse{SessionID: "bogus", TopicPrefix: "fleet/device/x"}},
		{"empty response", createSessionResponse{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(&tc.response)
			})
			defer server.Close()

			_, err := client.Open(context.Background(), "bmc-ctrl", "asset-001-bmc")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSessionResponse))
		})
	}
}
