// Package uploader implements the at-least-once HTTP delivery wire
// protocol from spec §4.3/§6: a GET request carrying the sample as query
// parameters, classified Ok/TransportError/HttpError by status and body.
//
// Grounded on spec §4.3/§6. The teacher speaks NTRIP/TCP, not HTTP GET, so
// the transport call is new code, but it is wrapped the same narrow,
// injectable-function way jsonconfig.WaitAndConnectToInput wraps its I/O,
// leaving the retry/backoff policy to the caller (journal.DrainOne).
package uploader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/acequia-iot/telemetry-node/journal"
	"github.com/acequia-iot/telemetry-node/model"
)

// Timeout bounds one HTTP attempt (spec §5: 5-7 s).
const Timeout = 6 * time.Second

// Uploader delivers Samples to the configured ingestion endpoint.
type Uploader struct {
	client   *http.Client
	endpoint string
	apiKey   string
	mac      string // device MAC with colons removed, per spec §6
}

// New creates an Uploader. client may be nil, in which case
// http.DefaultClient is used (overriding its Timeout per-request via
// context instead, so a shared client can be reused across Uploaders).
func New(client *http.Client, endpoint, apiKey, mac string) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{
		client:   client,
		endpoint: endpoint,
		apiKey:   apiKey,
		mac:      strings.ReplaceAll(mac, ":", ""),
	}
}

// Upload delivers one sample and classifies the outcome, matching
// journal.UploadFunc so it can be passed directly to journal.DrainOne.
func (u *Uploader) Upload(ctx context.Context, sample model.Sample) journal.UploadOutcome {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	req, err := u.buildRequest(ctx, sample)
	if err != nil {
		return journal.UploadOutcome{Kind: journal.UploadTransportError}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return journal.UploadOutcome{Kind: journal.UploadTransportError}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusNoContent {
		return journal.UploadOutcome{Kind: journal.UploadOK, HTTPStatus: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusOK && strings.Contains(string(body), "OK") {
		return journal.UploadOutcome{Kind: journal.UploadOK, HTTPStatus: resp.StatusCode}
	}
	return journal.UploadOutcome{Kind: journal.UploadHTTPError, HTTPStatus: resp.StatusCode}
}

// buildRequest renders the wire format exactly as spec §6 describes:
// api_key, measurement, sensor, valor (two decimals), ts (decimal
// microseconds), mac (colons stripped), source.
func (u *Uploader) buildRequest(ctx context.Context, sample model.Sample) (*http.Request, error) {
	q := url.Values{}
	q.Set("api_key", u.apiKey)
	q.Set("measurement", string(sample.Measurement))
	q.Set("sensor", sample.Sensor)
	q.Set("valor", fmt.Sprintf("%.2f", sample.Value))
	q.Set("ts", strconv.FormatUint(sample.TSUs, 10))
	q.Set("mac", u.mac)
	q.Set("source", string(sample.Source))

	full := u.endpoint
	if strings.Contains(full, "?") {
		full += "&" + q.Encode()
	} else {
		full += "?" + q.Encode()
	}

	return http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
}
