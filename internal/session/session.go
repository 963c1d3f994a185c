package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fleetmaint/dispatchd/internal/app"
	"github.com/fleetmaint/dispatchd/internal/model"
)

var (
	// ErrSessionRequest indicates a transport failure talking to the
	// session manager.
	ErrSessionRequest = errors.New("session manager request error")

	// ErrSessionResponse indicates the session manager answered with a
	// payload failing schema validation.
	ErrSessionResponse = errors.New("malformed session manager response")
)

// Opener requests a correlation session for a (typeID, assetID) pair.
//
// Sessions are created on demand immediately before a command is
// dispatched and used once; they are never cached or reused.
type Opener interface {
	Open(ctx context.Context, typeID, assetID string) (*model.Session, error)
}

// Client is a session manager HTTP client.
type Client struct {
	client   *retryablehttp.Client
	endpoint *url.URL
	validate *validator.Validate
	logger   *logrus.Entry
}

// NewClient returns a session manager client.
func NewClient(cfg *app.SessionManagerOptions, logger *logrus.Logger) (*Client, error) {
	if cfg == nil || cfg.EndpointURL == nil {
		return nil, errors.Wrap(model.ErrConfig, "expected valid session manager options, got nil")
	}

	retryableClient := retryablehttp.NewClient()

	if logger.Level < logrus.DebugLevel {
		retryableClient.Logger = nil
	} else {
		retryableClient.Logger = logger
	}

	return &Client{
		client:   retryableClient,
		endpoint: cfg.EndpointURL,
		validate: validator.New(),
		logger:   logger.WithField("component", "session.client"),
	}, nil
}

type createSessionRequest struct {
	TypeID  string `json:"typeId"`
	AssetID string `json:"assetId"`
}

type createSessionResponse struct {
	SessionID   string `json:"sessionId" validate:"required,uuid"`
	TopicPrefix string `json:"topicPrefix" validate:"required"`
}

// Open creates a session with the session manager.
func (c *Client) Open(ctx context.Context, typeID, assetID string) (*model.Session, error) {
	endpoint := *c.endpoint
	endpoint.Path += app.SessionManagerPath

	payload, err := json.Marshal(&createSessionRequest{TypeID: typeID, AssetID: assetID})
	if err != nil {
		return nil, errors.Wrap(ErrSessionRequest, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(ErrSessionRequest, err.Error())
	}

	req.Header.Add("Content-Type", "application/json")

	requestRetryable, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, errors.Wrap(ErrSessionRequest, err.Error())
	}

	resp, err := c.client.Do(requestRetryable)
	if err != nil {
		c.logger.WithFields(
			logrus.Fields{
				"typeID":  typeID,
				"assetID": assetID,
				"err":     err,
			}).Error("error returned in session manager request")

		return nil, errors.Wrap(ErrSessionRequest, err.Error())
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrSessionRequest, err.Error())
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, errors.Wrapf(ErrSessionRequest, "unexpected response status: %d", resp.StatusCode)
	}

	response := &createSessionResponse{}

	if err := json.Unmarshal(body, response); err != nil {
		return nil, errors.Wrap(ErrSessionResponse, err.Error())
	}

	if err := c.validate.Struct(response); err != nil {
		c.logger.WithFields(
			logrus.Fields{
				"typeID":  typeID,
				"assetID": assetID,
				"err":     err,
			}).Error("session manager response failed schema validation")

		return nil, errors.Wrap(ErrSessionResponse, err.Error())
	}

	return &model.Session{
		TypeID:      typeID,
		AssetID:     assetID,
		SessionID:   response.SessionID,
		TopicPrefix: response.TopicPrefix,
	}, nil
}
