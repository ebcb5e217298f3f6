package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/wallet-provisioning-backend/api"
	"github.com/ruteri/wallet-provisioning-backend/api/issuerapi"
	"github.com/ruteri/wallet-provisioning-backend/api/provisioning"
	"github.com/ruteri/wallet-provisioning-backend/cmd/flags"
	"github.com/ruteri/wallet-provisioning-backend/common"
	"github.com/ruteri/wallet-provisioning-backend/coordinator"
	"github.com/ruteri/wallet-provisioning-backend/httpserver"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"github.com/ruteri/wallet-provisioning-backend/issuer"
	"github.com/ruteri/wallet-provisioning-backend/metrics"
	"github.com/ruteri/wallet-provisioning-backend/storage"
	"github.com/ruteri/wallet-provisioning-backend/wallet"
	"github.com/urfave/cli/v2"
)

var (
	flagListenAddr = &cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	}
	flagAppVersion = &cli.StringFlag{
		Name:  "app-version",
		Value: "1.0",
		Usage: "provisioning_app_version reported to issuers",
	}
	flagDeviceName = &cli.StringFlag{
		Name:  "device-name",
		Value: "software-wallet",
		Usage: "common name of the software secure element's device certificate",
	}
	flagLocalStore = &cli.StringSliceFlag{
		Name:  "local-store",
		Value: cli.NewStringSlice("memory://local"),
		Usage: "pass store URI for passes on this device, repeat to mirror (memory://, file://, s3://, vault://, redis://)",
	}
	flagRemoteStore = &cli.StringSliceFlag{
		Name:  "remote-store",
		Usage: "pass store URI for passes on paired devices, repeat to mirror",
	}
	flagLenientDecode = &cli.BoolFlag{
		Name:  "lenient-decode",
		Usage: "forward issuer fields that fail base64 decoding as absent instead of failing the session",
	}
	flagSessionTimeout = &cli.DurationFlag{
		Name:  "session-timeout",
		Value: 5 * time.Minute,
		Usage: "cancel sessions that have not resolved in time, 0 disables",
	}
	flagDefaultWait = &cli.DurationFlag{
		Name:  "default-wait",
		Value: 25 * time.Second,
		Usage: "long-poll wait used when a request does not name one",
	}
	flagInstallTimeout = &cli.DurationFlag{
		Name:  "install-timeout",
		Value: 30 * time.Second,
		Usage: "bound on pass store writes when installing a pass",
	}
	flagEnableIssuerSim = &cli.BoolFlag{
		Name:  "enable-issuer-sim",
		Usage: "serve the issuer simulator on /api/issuer/v1/provision",
	}
	flagBlocked = &cli.BoolFlag{
		Name:  "blocked",
		Usage: "start with a device policy that forbids adding payment passes",
	}
)

func main() {
	app := &cli.App{
		Name:  "walletd",
		Usage: "Serve the wallet card provisioning API",
		Flags: append([]cli.Flag{
			flagListenAddr,
			flagAppVersion,
			flagDeviceName,
			flagLocalStore,
			flagRemoteStore,
			flagLenientDecode,
			flagSessionTimeout,
			flags.MaxWaitFlag,
			flagDefaultWait,
			flagInstallTimeout,
			flagEnableIssuerSim,
			flagBlocked,
			flags.LogServiceFlagFn("walletd"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))

			storeFactory := storage.NewPassStoreFactory(logger)
			local, err := storeFactory.CreateMirroredStore(cCtx.StringSlice(flagLocalStore.Name))
			if err != nil {
				logger.Error("Failed to create local pass store", "err", err)
				return err
			}
			var remote interfaces.PassStore
			if uris := cCtx.StringSlice(flagRemoteStore.Name); len(uris) > 0 {
				remote, err = storeFactory.CreateMirroredStore(uris)
				if err != nil {
					logger.Error("Failed to create remote pass store", "err", err)
					return err
				}
			}
			logger.Info("Pass stores configured", "local", local.LocationURI(), "remote", locationOf(remote))

			secureElement, err := wallet.NewSecureElement(wallet.Config{
				DeviceName:     cCtx.String(flagDeviceName.Name),
				Blocked:        cCtx.Bool(flagBlocked.Name),
				Local:          local,
				Remote:         remote,
				InstallTimeout: cCtx.Duration(flagInstallTimeout.Name),
			}, logger)
			if err != nil {
				logger.Error("Failed to create secure element", "err", err)
				return err
			}

			metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}
			observer, err := metrics.NewProvisioningMetrics(metricsSrv.Namespace(), metricsSrv.Registerer())
			if err != nil {
				logger.Error("Failed to register provisioning metrics", "err", err)
				return err
			}

			coord := coordinator.New(secureElement, coordinator.Config{
				AppVersion:    cCtx.String(flagAppVersion.Name),
				LenientDecode: cCtx.Bool(flagLenientDecode.Name),
				Observer:      observer,
			}, logger)

			handlers := []httpserver.RouteRegistrar{
				provisioning.NewHandler(coord, api.ProvisioningConfig{
					SessionTimeout: cCtx.Duration(flagSessionTimeout.Name),
					MaxWait:        cCtx.Duration(flags.MaxWaitFlag.Name),
					DefaultWait:    cCtx.Duration(flagDefaultWait.Name),
				}, logger),
			}
			if cCtx.Bool(flagEnableIssuerSim.Name) {
				logger.Warn("Issuer simulator enabled, do not use in production")
				handlers = append(handlers, issuerapi.NewHandler(issuer.New(nil, logger), logger))
			}

			server, err := httpserver.New(cfg, metricsSrv, handlers...)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return fmt.Errorf("create server: %w", err)
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func locationOf(store interfaces.PassStore) string {
	if store == nil {
		return "none"
	}
	return store.LocationURI()
}
