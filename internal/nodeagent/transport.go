package nodeagent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetward/control-plane/internal/domain"
)

// enrollRequest/enrollResponse mirror internal/httpapi's wire shape for
// POST /enroll. Duplicated here deliberately -- the agent and the control
// plane share no Go module boundary in production, only the wire contract.
type enrollRequest struct {
	Token        string          `json:"token"`
	NodeName     string          `json:"nodeName"`
	Platform     domain.Platform `json:"platform"`
	PublicKeyB64 string          `json:"publicKey"`
	AgentVersion string          `json:"agentVersion"`
	Hardware     domain.Hardware `json:"hardware"`
}

type enrollResponse struct {
	NodeID         string `json:"nodeId"`
	CertificatePEM []byte `json:"certificatePem"`
	ExportBlob     []byte `json:"exportBlob"`
	ExportPassword string `json:"exportPassword"`
	Thumbprint     string `json:"thumbprint"`
	Serial         string `json:"serial"`
}

type renewCertificateRequest struct {
	PresentedThumbprint string `json:"presentedThumbprint"`
	NewPublicKeyB64      string `json:"newPublicKey"`
}

type pollCommandsResponse struct {
	Commands []domain.CommandEnvelope `json:"commands"`
}

type submitCommandResultRequest struct {
	Status       domain.CommandStatus `json:"status"`
	ErrorCode    string               `json:"errorCode,omitempty"`
	ErrorMessage string               `json:"errorMessage,omitempty"`
}

// client wraps an *http.Client configured for the control plane's node-facing
// listener. Before enrollment it trusts only the bootstrap CA and presents no
// client certificate (the server's requireNodeCert middleware never gates
// /enroll); after enrollment it additionally presents the stored leaf
// certificate for every mTLS-gated route.
type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(baseURL string, caPool *x509.CertPool, leaf *tls.Certificate) *client {
	tlsCfg := &tls.Config{RootCAs: caPool}
	if leaf != nil {
		tlsCfg.Certificates = []tls.Certificate{*leaf}
	}
	return &client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsCfg,
			},
		},
	}
}

func (c *client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) (*http.Response, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(detail))
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}

func (c *client) enroll(ctx context.Context, req enrollRequest) (*enrollResponse, error) {
	var resp enrollResponse
	if _, err := c.doJSON(ctx, http.MethodPost, "/enroll", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) postHeartbeat(ctx context.Context, nodeID string, payload domain.HeartbeatPayload) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/agents/"+nodeID+"/heartbeat", payload, nil)
	return err
}

func (c *client) renewCertificate(ctx context.Context, nodeID string, req renewCertificateRequest) (*enrollResponse, error) {
	var resp enrollResponse
	if _, err := c.doJSON(ctx, http.MethodPost, "/agents/"+nodeID+"/certificates/renew", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) pollCommands(ctx context.Context, nodeID string) ([]domain.CommandEnvelope, error) {
	var resp pollCommandsResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/agents/"+nodeID+"/commands", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

func (c *client) submitCommandResult(ctx context.Context, nodeID string, result domain.CommandResult) error {
	req := submitCommandResultRequest{
		Status:       result.Status,
		ErrorCode:    result.ErrorCode,
		ErrorMessage: result.ErrorMessage,
	}
	_, err := c.doJSON(ctx, http.MethodPost, "/agents/"+nodeID+"/commands/"+result.CommandID+"/result", req, nil)
	return err
}
