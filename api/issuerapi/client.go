package issuerapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/wallet-provisioning-backend/api"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// Client implements api.IssuerProvider with a remote issuer simulator.
type Client struct {
	// ServerAddr is the base URL of the issuer server
	ServerAddr string
}

// Provision sends a device challenge and card details to the issuer and
// returns the sealed issuer data.
func (c *Client) Provision(req api.IssuerProvisionRequest) (*interfaces.IssuerData, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/issuer/v1/provision", c.ServerAddr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not request issuer endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("issuer endpoint returned non-200 response: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("issuer endpoint returned error %d: %s", resp.StatusCode, string(bytes.TrimSpace(bodyBytes)))
	}

	var data interfaces.IssuerData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("could not parse issuer response: %w", err)
	}
	return &data, nil
}

// MockProvider implements api.IssuerProvider for testing.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Provision(req api.IssuerProvisionRequest) (*interfaces.IssuerData, error) {
	args := m.Called(req)
	return args.Get(0).(*interfaces.IssuerData), args.Error(1)
}
