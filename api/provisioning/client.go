package provisioning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/wallet-provisioning-backend/api"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// ErrPending is returned by long-poll calls when the wait elapsed before the
// session reached the requested phase.
var ErrPending = errors.New("session still pending")

// ResponseError is a non-2xx reply from the provisioning server.
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ResponseError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("provisioning server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provisioning server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the wire code back to its sentinel so callers can use errors.Is.
func (e *ResponseError) Unwrap() error {
	switch e.Code {
	case interfaces.CodeInvalidRequest:
		return interfaces.ErrInvalidRequest
	case interfaces.CodeAlreadyInProgress:
		return interfaces.ErrAlreadyInProgress
	case interfaces.CodeNoPendingChallenge:
		return interfaces.ErrNoPendingChallenge
	case interfaces.CodeDecodeFailure:
		return interfaces.ErrDecodeFailure
	case interfaces.CodeConfigurationRejected:
		return interfaces.ErrConfigurationRejected
	case interfaces.CodeCancelled:
		return interfaces.ErrCancelled
	case interfaces.CodeSessionNotFound:
		return interfaces.ErrSessionNotFound
	case interfaces.CodeSubsystemError:
		return interfaces.ErrSubsystem
	}
	return nil
}

// Client implements api.ProvisioningProvider against a remote provisioning server.
type Client struct {
	// ServerAddr is the base URL of the provisioning server
	ServerAddr string

	// HTTPClient defaults to a client without a timeout, long polls included.
	HTTPClient *http.Client
}

func (c *Client) CheckEligibility(accountReferenceID string) (*api.EligibilityResponse, error) {
	var resp api.EligibilityResponse
	_, err := c.do(http.MethodGet, "/api/v1/eligibility/"+url.PathEscape(accountReferenceID), nil, &resp, nil)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// BeginProvisioning starts a session. The challenge is collected with Challenge.
func (c *Client) BeginProvisioning(req api.BeginProvisioningRequest) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	_, err := c.do(http.MethodPost, "/api/v1/sessions", req, &resp, nil)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Challenge blocks up to wait for the session's challenge. It returns
// ErrPending if the challenge was not issued in time.
func (c *Client) Challenge(sessionID string, wait time.Duration) (*interfaces.ChallengePayload, error) {
	var payload interfaces.ChallengePayload
	var pending api.SessionResponse
	status, err := c.do(http.MethodGet, sessionPath(sessionID, "/challenge", wait), nil, &payload, &pending)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return nil, ErrPending
	}
	return &payload, nil
}

func (c *Client) SupplyIssuerData(sessionID string, data interfaces.IssuerData) error {
	_, err := c.do(http.MethodPost, sessionPath(sessionID, "/issuer-data", 0), data, nil, nil)
	return err
}

// Result blocks up to wait for the session's outcome. It returns ErrPending
// if the session has not resolved in time. A failed session is not an error.
func (c *Client) Result(sessionID string, wait time.Duration) (*api.ResultResponse, error) {
	var resp api.ResultResponse
	var pending api.SessionResponse
	status, err := c.do(http.MethodGet, sessionPath(sessionID, "/result", wait), nil, &resp, &pending)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return nil, ErrPending
	}
	return &resp, nil
}

func (c *Client) Session(sessionID string) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	_, err := c.do(http.MethodGet, sessionPath(sessionID, "", 0), nil, &resp, nil)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Cancel(sessionID string) error {
	_, err := c.do(http.MethodDelete, sessionPath(sessionID, "", 0), nil, nil, nil)
	return err
}

func (c *Client) RemoveCard(accountReferenceID string) (*api.RemoveCardResponse, error) {
	var resp api.RemoveCardResponse
	_, err := c.do(http.MethodDelete, "/api/v1/passes/"+url.PathEscape(accountReferenceID), nil, &resp, nil)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func sessionPath(sessionID, suffix string, wait time.Duration) string {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + suffix
	if wait > 0 {
		path += "?" + api.WaitParam + "=" + url.QueryEscape(wait.String())
	}
	return path
}

// do sends the request and decodes a 2xx body into out. Long polls pass a
// pending sink, which receives the 202 session status instead of out.
func (c *Client) do(method, path string, body any, out, pending any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.ServerAddr+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		sink := out
		if resp.StatusCode == http.StatusAccepted && pending != nil {
			sink = pending
		}
		if sink == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(sink); err != nil {
			return resp.StatusCode, fmt.Errorf("could not parse response from %s: %w", path, err)
		}
		return resp.StatusCode, nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &ResponseError{StatusCode: resp.StatusCode}
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Code == "" {
		return resp.StatusCode, &ResponseError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
	}
	return resp.StatusCode, &ResponseError{StatusCode: resp.StatusCode, Code: errResp.Code, Message: errResp.Message}
}

// MockProvider implements api.ProvisioningProvider for testing.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CheckEligibility(accountReferenceID string) (*api.EligibilityResponse, error) {
	args := m.Called(accountReferenceID)
	return args.Get(0).(*api.EligibilityResponse), args.Error(1)
}

func (m *MockProvider) BeginProvisioning(req api.BeginProvisioningRequest) (*api.SessionResponse, error) {
	args := m.Called(req)
	return args.Get(0).(*api.SessionResponse), args.Error(1)
}

func (m *MockProvider) Challenge(sessionID string, wait time.Duration) (*interfaces.ChallengePayload, error) {
	args := m.Called(sessionID, wait)
	return args.Get(0).(*interfaces.ChallengePayload), args.Error(1)
}

func (m *MockProvider) SupplyIssuerData(sessionID string, data interfaces.IssuerData) error {
	args := m.Called(sessionID, data)
	return args.Error(0)
}

func (m *MockProvider) Result(sessionID string, wait time.Duration) (*api.ResultResponse, error) {
	args := m.Called(sessionID, wait)
	return args.Get(0).(*api.ResultResponse), args.Error(1)
}

func (m *MockProvider) Session(sessionID string) (*api.SessionResponse, error) {
	args := m.Called(sessionID)
	return args.Get(0).(*api.SessionResponse), args.Error(1)
}

func (m *MockProvider) Cancel(sessionID string) error {
	args := m.Called(sessionID)
	return args.Error(0)
}

func (m *MockProvider) RemoveCard(accountReferenceID string) (*api.RemoveCardResponse, error) {
	args := m.Called(accountReferenceID)
	return args.Get(0).(*api.RemoveCardResponse), args.Error(1)
}
