package network

import (
	"context"
	"net/http"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// RestClient performs vendor HTTP calls with retries on throttling and 5xx.
type RestClient struct {
	Client *resty.Client
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewRestClient(baseURL string, cfg models.MNetworkConfig, log *logger.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(time.Duration(cfg.RequestTimeout)*time.Second).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(10*time.Second).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Proxy != "" {
		if proxy, err := helpers.NormalizeProxy(cfg.Proxy); err == nil {
			client.SetProxy(proxy)
		} else {
			log.Warning("Ignoring proxy: %v", err)
		}
	}

	return &RestClient{Client: client, Logger: log}
}

// -----------------------------------------------------------------------------

// GetJSON decodes the response body of a GET into out.
func (rc *RestClient) GetJSON(ctx context.Context, path string, params map[string]string, out any) error {
	resp, err := rc.Client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return helpers.NewVendorError(err, helpers.ErrCodeVendorUnavailable, "GET %s", path)
	}
	if resp.IsError() {
		rc.Logger.Warning("GET %s returned %d", path, resp.StatusCode())
		return helpers.NewVendorError(nil, helpers.ErrCodeVendorRequest, "GET %s: status %d: %s", path, resp.StatusCode(), truncate(resp.String(), 256))
	}
	return nil
}

// -----------------------------------------------------------------------------

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
