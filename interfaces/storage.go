package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// PassStoreLocation is a parsed pass library URI, e.g. file:///var/lib/wallet/passes.
type PassStoreLocation struct {
	URI    string
	Scheme string
	Params url.Values
}

// NewPassStoreLocation validates a pass library URI.
func NewPassStoreLocation(uri string) (PassStoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return PassStoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "memory", "file", "s3", "vault", "redis":
	default:
		return PassStoreLocation{}, fmt.Errorf("%w: unsupported pass store scheme %q", ErrInvalidLocationURI, scheme)
	}

	return PassStoreLocation{
		URI:    uri,
		Scheme: scheme,
		Params: parsed.Query(),
	}, nil
}

// String returns the original URI.
func (loc PassStoreLocation) String() string {
	return loc.URI
}

// GetParam returns a query parameter value.
func (loc PassStoreLocation) GetParam(name string) string {
	return loc.Params.Get(name)
}

// GetParamBool returns a query parameter as a boolean.
func (loc PassStoreLocation) GetParamBool(name string) bool {
	val := strings.ToLower(loc.Params.Get(name))
	return val == "true" || val == "1" || val == "yes"
}

var (
	// ErrPassNotFound is returned when a pass serial number is not in the store.
	ErrPassNotFound = errors.New("pass not found")

	// ErrBackendUnavailable is returned when a pass store is not accessible.
	ErrBackendUnavailable = errors.New("pass store unavailable")

	// ErrInvalidLocationURI is returned when a pass store URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid pass store location URI")
)

// PassStore persists the pass library of a software secure element.
type PassStore interface {
	// Put inserts or replaces a pass keyed by its serial number.
	Put(ctx context.Context, pass ProvisionedPass) error

	// List returns every stored pass in no particular order.
	List(ctx context.Context) ([]ProvisionedPass, error)

	// Delete removes a pass. Deleting a missing pass returns ErrPassNotFound.
	Delete(ctx context.Context, serialNumber string) error

	// Available checks if the store is reachable.
	Available(ctx context.Context) bool

	// Name returns a short human-readable identifier.
	Name() string

	// LocationURI returns the URI the store was created from (credentials redacted).
	LocationURI() string
}

// PassStoreFactory creates pass stores from location URIs.
type PassStoreFactory interface {
	PassStoreFor(location PassStoreLocation) (PassStore, error)
}
