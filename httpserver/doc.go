/*
Package httpserver runs the wallet provisioning HTTP API.

Server mounts any number of route registrars, such as the provisioning and
issuer handlers, behind the flashbots request logger and chi's panic
recoverer, and serves Prometheus metrics on a separate listener.

# Health Endpoints

  - GET /livez - always 200 while the process serves requests
  - GET /readyz - 200 when ready, 503 while drained
  - GET /drain - marks the server not ready and waits DrainDuration so load
    balancers stop routing to it before shutdown
  - GET /undrain - marks the server ready again

With EnablePprof the standard profiler is mounted under /debug.

# Usage

	srv, err := httpserver.New(cfg, metricsSrv, provisioningHandler)
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
