package storage

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

// Serial numbers become file names and object keys.
var serialPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func validateSerial(serial string) error {
	if !serialPattern.MatchString(serial) {
		return fmt.Errorf("invalid pass serial number %q", serial)
	}
	return nil
}

func encodePass(pass interfaces.ProvisionedPass) ([]byte, error) {
	if err := validateSerial(pass.SerialNumber); err != nil {
		return nil, err
	}
	return json.Marshal(pass)
}

func decodePass(data []byte) (interfaces.ProvisionedPass, error) {
	var pass interfaces.ProvisionedPass
	if err := json.Unmarshal(data, &pass); err != nil {
		return pass, fmt.Errorf("failed to decode pass: %w", err)
	}
	return pass, nil
}
