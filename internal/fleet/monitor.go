package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fleetmaint/dispatchd/internal/app"
	"github.com/fleetmaint/dispatchd/internal/model"
)

var (
	ErrMonitorQuery = errors.New("fleet monitor query error")
)

// Monitor provides point-in-time availability snapshots for fleet assets.
type Monitor interface {
	// Snapshot returns one availability entry per requested asset. Assets
	// the monitor does not know are synthesized as Missing with no
	// sub-assets - that fallback is part of the contract, not an error.
	Snapshot(ctx context.Context, refs []model.AssetRef) ([]*model.AssetStatus, error)
}

// monitorClient queries the fleet monitor service over HTTP.
type monitorClient struct {
	client    *retryablehttp.Client
	endpoint  *url.URL
	authToken string
	logger    *logrus.Entry
}

// NewMonitor returns a fleet monitor client for availability snapshots.
func NewMonitor(cfg *app.FleetMonitorOptions, logger *logrus.Logger) (Monitor, error) {
	if cfg == nil || cfg.EndpointURL == nil {
		return nil, errors.Wrap(model.ErrConfig, "expected valid fleet monitor options, got nil")
	}

	// init retryable http client
	retryableClient := retryablehttp.NewClient()

	// disable default debug logging on the retryable client
	if logger.Level < logrus.DebugLevel {
		retryableClient.Logger = nil
	} else {
		retryableClient.Logger = logger
	}

	return &monitorClient{
		client:    retryableClient,
		endpoint:  cfg.EndpointURL,
		authToken: cfg.AuthToken,
		logger:    logger.WithField("component", "fleet.monitor"),
	}, nil
}

type snapshotRequest struct {
	Assets []model.AssetRef `json:"assets"`
}

type snapshotResponse struct {
	Assets []*model.AssetStatus `json:"assets"`
}

func (c *monitorClient) Snapshot(ctx context.Context, refs []model.AssetRef) ([]*model.AssetStatus, error) {
	endpoint := *c.endpoint
	endpoint.Path += "/asset-status/batch"

	payload, err := json.Marshal(&snapshotRequest{Assets: refs})
	if err != nil {
		return nil, errors.Wrap(ErrMonitorQuery, err.Error())
	}

	body, statusCode, err := c.query(ctx, endpoint.String(), http.MethodPost, payload)
	if err != nil {
		c.logger.WithFields(
			logrus.Fields{
				"url":        endpoint.String(),
				"err":        err,
				"statusCode": statusCode,
			}).Error("error returned in fleet monitor request")

		return nil, errors.Wrap(ErrMonitorQuery, err.Error())
	}

	if statusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrMonitorQuery, "unexpected response status: %d", statusCode)
	}

	response := &snapshotResponse{}

	if err := json.Unmarshal(body, response); err != nil {
		c.logger.WithFields(
			logrus.Fields{
				"url": endpoint.String(),
				"err": err,
			}).Error("error in fleet monitor response unmarshal")

		return nil, errors.Wrap(ErrMonitorQuery, err.Error())
	}

	return FillMissing(refs, response.Assets), nil
}

func (c *monitorClient) query(ctx context.Context, endpoint, method string, payload []byte) (body []byte, statusCode int, err error) {
	var req *http.Request

	if len(payload) > 0 {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	}

	if err != nil {
		return body, 0, err
	}

	req.Header.Add("Content-Type", "application/json")

	if c.authToken != "" {
		req.Header.Add("X-Auth-Token", c.authToken)
	}

	requestRetryable, err := retryablehttp.FromRequest(req)
	if err != nil {
		return body, 0, err
	}

	resp, err := c.client.Do(requestRetryable)
	if err != nil {
		return body, 0, err
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return body, 0, err
	}

	defer resp.Body.Close()

	return body, resp.StatusCode, nil
}

// FillMissing returns entries covering every requested ref: entries the
// monitor returned, plus a Missing entry with no sub-assets for each ref
// it did not cover.
func FillMissing(refs []model.AssetRef, entries []*model.AssetStatus) []*model.AssetStatus {
	covered := make(map[model.AssetRef]struct{}, len(entries))

	for _, entry := range entries {
		covered[model.AssetRef{TypeID: entry.TypeID, AssetID: entry.AssetID}] = struct{}{}
	}

	filled := entries

	for _, ref := range refs {
		if _, exists := covered[ref]; exists {
			continue
		}

		filled = append(filled, &model.AssetStatus{
			TypeID:    ref.TypeID,
			AssetID:   ref.AssetID,
			Status:    model.AssetHealthMissing,
			SubAssets: []*model.AssetStatus{},
		})
	}

	return filled
}
