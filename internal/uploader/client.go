package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sitesync/internal/capture"
	"sitesync/internal/config"
)

const userAgent = "sitesync/0.1.0"

// Client submits capture records to the backing service.
type Client interface {
	Upload(ctx context.Context, record *capture.Record, payload []byte) (serverRef string, err error)
}

// HTTPDoer describes the HTTP client used by the upload service client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpClient struct {
	endpoint  string
	authToken string
	client    HTTPDoer
}

// NewClient builds the production upload client from configuration. The
// per-attempt timeout is enforced by the coordinator's context, not here, so
// the underlying http.Client carries no timeout of its own.
func NewClient(cfg *config.Config) Client {
	return &httpClient{
		endpoint:  strings.TrimRight(strings.TrimSpace(cfg.Upload.Endpoint), "/"),
		authToken: strings.TrimSpace(cfg.Upload.AuthToken),
		client:    http.DefaultClient,
	}
}

// NewHTTPClient constructs an upload client with an explicit HTTP doer (used in tests).
func NewHTTPClient(endpoint, authToken string, doer HTTPDoer) Client {
	return &httpClient{
		endpoint:  strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		authToken: strings.TrimSpace(authToken),
		client:    doer,
	}
}

type uploadResponse struct {
	ServerRef string `json:"server_ref"`
	Error     string `json:"error"`
}

// Upload POSTs one capture as multipart form data. The service is expected to
// create-or-return-existing by client_id: a 409 therefore still resolves to
// success, carrying the reference recorded by the earlier interrupted attempt.
func (c *httpClient) Upload(ctx context.Context, record *capture.Record, payload []byte) (string, error) {
	if record == nil {
		return "", Wrap(ErrPermanent, "upload", "record is nil", nil)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	fields := map[string]string{
		"client_id":   record.ClientID,
		"category":    string(record.Category),
		"captured_at": record.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
	if record.Geolocation != nil {
		fields["latitude"] = strconv.FormatFloat(record.Geolocation.Latitude, 'f', -1, 64)
		fields["longitude"] = strconv.FormatFloat(record.Geolocation.Longitude, 'f', -1, 64)
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return "", Wrap(ErrTransient, "upload", "encode form field", err)
		}
	}
	part, err := writer.CreateFormFile("photo", record.PayloadRef)
	if err != nil {
		return "", Wrap(ErrTransient, "upload", "create form file", err)
	}
	if _, err := part.Write(payload); err != nil {
		return "", Wrap(ErrTransient, "upload", "write form file", err)
	}
	if err := writer.Close(); err != nil {
		return "", Wrap(ErrTransient, "upload", "finalize form", err)
	}

	url := c.endpoint + "/captures"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", Wrap(ErrPermanent, "upload", "build request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", Wrap(ErrTransient, "upload", "attempt timed out", err)
		}
		return "", Wrap(ErrTransient, "upload", "request failed", err)
	}
	defer resp.Body.Close()

	return c.decodeResponse(resp)
}

func (c *httpClient) decodeResponse(resp *http.Response) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", Wrap(ErrTransient, "upload", "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusConflict:
		// Conflict means the client_id was already recorded by an earlier
		// attempt; that still counts as success.
		var decoded uploadResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", Wrap(ErrTransient, "upload", "decode response", err)
		}
		if strings.TrimSpace(decoded.ServerRef) == "" {
			return "", Wrap(ErrTransient, "upload", "response missing server_ref", nil)
		}
		return decoded.ServerRef, nil

	case resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusBadRequest:
		return "", Wrap(ErrPermanent, "upload", serviceMessage(resp.StatusCode, raw), nil)

	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return "", Wrap(ErrTransient, "upload", serviceMessage(resp.StatusCode, raw), nil)

	default:
		return "", Wrap(ErrTransient, "upload", serviceMessage(resp.StatusCode, raw), nil)
	}
}

func serviceMessage(status int, raw []byte) string {
	var decoded uploadResponse
	if err := json.Unmarshal(raw, &decoded); err == nil && strings.TrimSpace(decoded.Error) != "" {
		return fmt.Sprintf("service returned %d: %s", status, strings.TrimSpace(decoded.Error))
	}
	return fmt.Sprintf("service returned %d", status)
}
