package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mcstream/native/internal/domain"

	"github.com/pion/logging"
)

// Default director endpoints.
const (
	DefaultPublishURL   = "https://director.millicast.com/api/director/publish"
	DefaultSubscribeURL = "https://director.millicast.com/api/director/subscribe"
)

type directorRequest struct {
	StreamName            string `json:"streamName"`
	StreamAccountID       string `json:"streamAccountId,omitempty"`
	UnauthorizedSubscribe bool   `json:"unauthorizedSubscribe,omitempty"`
}

type directorResponse struct {
	Status string `json:"status"`
	Data   struct {
		JWT        string             `json:"jwt"`
		URLs       []string           `json:"urls"`
		ICEServers []domain.ICEServer `json:"iceServers"`
		Message    string             `json:"message"`
	} `json:"data"`
}

// Client resolves signaling parameters from the director API.
type Client struct {
	http *http.Client
	log  logging.LeveledLogger
}

// NewClient creates an API client. A nil httpClient uses http.DefaultClient.
func NewClient(httpClient *http.Client, lf logging.LoggerFactory) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Client{http: httpClient, log: lf.NewLogger("api")}
}

// Authenticate calls the director to obtain the signaling URL, its token, and
// the relay servers. Rejections are classified as ErrUnauthorized or
// ErrStreamNotFound.
func (c *Client) Authenticate(ctx context.Context, streamName string, creds domain.Credentials) (*domain.Connection, error) {
	if streamName == "" {
		return nil, domain.NewError(domain.KindConfiguration, "authenticate", errors.New("stream name is required"))
	}

	req := directorRequest{
		StreamName:      streamName,
		StreamAccountID: creds.AccountID,
	}
	if creds.Token == "" {
		req.UnauthorizedSubscribe = true
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal director request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if creds.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+creds.Token)
	} else {
		httpReq.Header.Set("Authorization", "NoAuth")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "authenticate", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "authenticate", fmt.Errorf("read response: %w", err))
	}

	var dirResp directorResponse
	if err := json.Unmarshal(respBody, &dirResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, classify(resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return nil, domain.NewError(domain.KindProtocol, "authenticate", fmt.Errorf("unmarshal response: %w", err))
	}

	if resp.StatusCode != http.StatusOK || dirResp.Data.Message != "" {
		return nil, classify(resp.StatusCode, dirResp.Data.Message)
	}

	if len(dirResp.Data.URLs) == 0 || dirResp.Data.JWT == "" {
		return nil, domain.NewError(domain.KindProtocol, "authenticate", errors.New("director response has no signaling url"))
	}

	c.log.Infof("resolved signaling endpoint for %s (%d relay servers)", streamName, len(dirResp.Data.ICEServers))

	return &domain.Connection{
		SignalingURL:   dirResp.Data.URLs[0],
		SignalingToken: dirResp.Data.JWT,
		ICEServers:     dirResp.Data.ICEServers,
	}, nil
}

func classify(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	sentinel := domain.ErrStreamNotFound
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.Contains(strings.ToLower(message), "unauthorized") {
		sentinel = domain.ErrUnauthorized
	}
	return domain.NewError(domain.KindTransport, "authenticate", fmt.Errorf("%w: http %d: %s", sentinel, status, message))
}
