package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

// PassStoreFactory creates pass stores from location URIs and builds
// mirrored configurations over several of them.
type PassStoreFactory struct {
	log *slog.Logger

	mu     sync.Mutex
	memory map[string]*MemoryPassStore
}

// NewPassStoreFactory creates a new factory instance.
func NewPassStoreFactory(logger *slog.Logger) *PassStoreFactory {
	return &PassStoreFactory{
		log:    logger,
		memory: make(map[string]*MemoryPassStore),
	}
}

// PassStoreFor creates a pass store from a location.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory://name - in-process store, the same name yields the same store
//   - file:///absolute/path - one JSON file per pass
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=host
//   - vault://host:port/mount/path?token=...&tls=false
//   - redis://[:password@]host:port/prefix?master=name&timeout=5s
func (sf *PassStoreFactory) PassStoreFor(location interfaces.PassStoreLocation) (interfaces.PassStore, error) {
	u, err := url.Parse(location.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch location.Scheme {
	case "memory":
		return sf.createMemoryStore(u), nil
	case "file":
		return sf.createFileStore(u)
	case "s3":
		return sf.createS3Store(u)
	case "vault":
		return sf.createVaultStore(u)
	case "redis":
		return sf.createRedisStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported pass store scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// PassStoreForURI parses the URI and creates the pass store.
func (sf *PassStoreFactory) PassStoreForURI(uri string) (interfaces.PassStore, error) {
	location, err := interfaces.NewPassStoreLocation(uri)
	if err != nil {
		return nil, err
	}
	return sf.PassStoreFor(location)
}

// CreateMirroredStore creates a mirrored pass store from a list of location URIs.
// A single valid URI yields the plain store. Returns an error if no valid store
// could be created.
func (sf *PassStoreFactory) CreateMirroredStore(uris []string) (interfaces.PassStore, error) {
	stores := make([]interfaces.PassStore, 0, len(uris))

	for _, uri := range uris {
		store, err := sf.PassStoreForURI(uri)
		if err != nil {
			sf.log.Warn("Failed to create pass store",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		stores = append(stores, store)
	}

	switch len(stores) {
	case 0:
		return nil, fmt.Errorf("no valid pass stores created")
	case 1:
		return stores[0], nil
	default:
		return NewMirroredPassStore(stores, sf.log), nil
	}
}

// createMemoryStore returns the named in-memory store, creating it on first use.
// URI format: memory://name
func (sf *PassStoreFactory) createMemoryStore(u *url.URL) interfaces.PassStore {
	name := u.Host
	if name == "" {
		name = strings.Trim(u.Opaque+u.Path, "/")
	}
	if name == "" {
		name = "default"
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()

	if store, ok := sf.memory[name]; ok {
		return store
	}
	store := NewMemoryPassStore(name)
	sf.memory[name] = store
	return store
}

// createFileStore creates a file system pass store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *PassStoreFactory) createFileStore(u *url.URL) (interfaces.PassStore, error) {
	sf.log.Debug("Creating file pass store", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewFilePassStore(path, sf.log)
}

// createS3Store creates an S3 or S3-compatible pass store.
// Without credentials in the URI the default AWS credential chain is used.
func (sf *PassStoreFactory) createS3Store(u *url.URL) (interfaces.PassStore, error) {
	sf.log.Debug("Creating S3 pass store", slog.String("bucket", u.Host))

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in S3 URI", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3PassStore(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultStore creates a Vault KV v2 pass store.
// URI format: vault://host:port/mount/path?token=...&tls=false&insecure=true
// The first path segment is the mount, the rest is the data path.
func (sf *PassStoreFactory) createVaultStore(u *url.URL) (interfaces.PassStore, error) {
	sf.log.Debug("Creating Vault pass store", slog.String("host", u.Host))

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in Vault URI", interfaces.ErrInvalidLocationURI)
	}

	segments := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	mountPath := segments[0]
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath := ""
	if len(segments) == 2 {
		dataPath = segments[1]
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}

	return NewVaultPassStore(fmt.Sprintf("%s://%s", scheme, u.Host), mountPath, dataPath, VaultOptions{
		Token:              query.Get("token"),
		InsecureSkipVerify: query.Get("insecure") == "true",
	}, sf.log)
}

// createRedisStore creates a Redis pass store.
// URI format: redis://[:password@]host:port/prefix?addrs=host2:port,host3:port&master=name&timeout=5s
func (sf *PassStoreFactory) createRedisStore(u *url.URL) (interfaces.PassStore, error) {
	sf.log.Debug("Creating Redis pass store", slog.String("host", u.Host))

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in Redis URI", interfaces.ErrInvalidLocationURI)
	}

	var opts []RedisOpt
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			opts = append(opts, WithRedisPassword(password))
		}
	}

	query := u.Query()
	if master := query.Get("master"); master != "" {
		opts = append(opts, WithRedisMasterName(master))
	}
	if timeout := query.Get("timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid redis timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		opts = append(opts, WithRedisTimeout(d))
	}

	addrs := []string{u.Host}
	if extra := query.Get("addrs"); extra != "" {
		addrs = append(addrs, strings.Split(extra, ",")...)
	}

	return NewRedisPassStore(addrs, strings.Trim(u.Path, "/"), sf.log, opts...)
}
