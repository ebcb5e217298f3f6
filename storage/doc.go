// Package storage provides pass libraries for the software secure element.
//
// A pass library holds the ProvisionedPass records of one device. Each
// backend implements interfaces.PassStore and is selected by URI:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - memory://local
//   - file:///var/lib/wallet/passes
//   - s3://bucket-name/prefix?region=us-west-2
//   - vault://vault.example.com:8200/secret/wallet?token=...
//   - redis://:password@redis.example.com:6379/device-1
//
// # Records
//
// Passes are stored as JSON documents keyed by serial number. Serial numbers
// are restricted to [A-Za-z0-9._-] so they are safe as file names, object
// keys and Vault paths.
//
// # Backends
//
// FilePassStore writes one <serial>.json per pass, replacing files atomically.
//
// S3PassStore stores private objects under <prefix>/<serial>.json and pages
// through the prefix on List.
//
// VaultPassStore uses a KV v2 mount; passes live at
// <mount>/data/<path>/passes/<serial> and are deleted with all versions.
//
// RedisPassStore keeps every pass in a single hash "<prefix>:passes", which
// makes Put, List and Delete single round trips.
//
// MirroredPassStore fans writes out to several stores and reads from the
// first available one:
//
//	factory := storage.NewPassStoreFactory(logger)
//	store, err := factory.CreateMirroredStore([]string{
//	    "file:///var/lib/wallet/passes",
//	    "redis://127.0.0.1:6379/device-1",
//	})
package storage
