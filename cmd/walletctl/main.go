package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/wallet-provisioning-backend/api"
	"github.com/ruteri/wallet-provisioning-backend/api/issuerapi"
	"github.com/ruteri/wallet-provisioning-backend/api/provisioning"
	"github.com/ruteri/wallet-provisioning-backend/cmd/flags"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"github.com/urfave/cli/v2"
)

var (
	flagIssuerAddr = &cli.StringFlag{
		Name:  "issuer-addr",
		Usage: "issuer simulator base URL, defaults to --server-addr",
	}
	flagWait = &cli.DurationFlag{
		Name:  "wait",
		Value: 25 * time.Second,
		Usage: "long-poll wait per request",
	}
	flagTimeout = &cli.DurationFlag{
		Name:  "timeout",
		Value: 2 * time.Minute,
		Usage: "give up waiting after this long",
	}
	flagCardholder = &cli.StringFlag{
		Name:     "cardholder",
		Required: true,
		Usage:    "cardholder name shown on the pass",
	}
	flagLastFour = &cli.StringFlag{
		Name:     "last-four",
		Required: true,
		Usage:    "last four digits of the card number",
	}
	flagAccount = &cli.StringFlag{
		Name:  "account",
		Usage: "issuer account reference id",
	}
	flagScheme = &cli.StringFlag{
		Name:  "scheme",
		Value: string(interfaces.EncryptionSchemeECCV2),
		Usage: "encryption scheme, ECC_V2 or RSA_V2",
	}
	flagIssuerData = &cli.StringFlag{
		Name:     "issuer-data",
		Required: true,
		Usage:    "file with the issuer's JSON response, - for stdin",
	}
)

func main() {
	app := &cli.App{
		Name:  "walletctl",
		Usage: "Drive a wallet provisioning server",
		Flags: []cli.Flag{
			flags.ServerAddrFlag,
			flagWait,
			flagTimeout,
		},
		Commands: []*cli.Command{
			{
				Name:      "eligibility",
				Usage:     "Check whether a pass for the account can be added",
				ArgsUsage: "<account_reference_id>",
				Action: func(cCtx *cli.Context) error {
					resp, err := client(cCtx).CheckEligibility(cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "begin",
				Usage: "Start a session and print the device challenge",
				Flags: []cli.Flag{flagCardholder, flagLastFour, flagAccount, flagScheme},
				Action: func(cCtx *cli.Context) error {
					c := client(cCtx)
					session, err := c.BeginProvisioning(beginRequest(cCtx))
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "session %s\n", session.SessionID)

					challenge, err := awaitChallenge(cCtx, c, session.SessionID)
					if err != nil {
						return err
					}
					return printJSON(challenge)
				},
			},
			{
				Name:      "supply",
				Usage:     "Finalize a session with the issuer's response and print the result",
				ArgsUsage: "<session_id>",
				Flags:     []cli.Flag{flagIssuerData},
				Action: func(cCtx *cli.Context) error {
					data, err := readIssuerData(cCtx.String(flagIssuerData.Name))
					if err != nil {
						return err
					}
					c := client(cCtx)
					sessionID := cCtx.Args().First()
					if err := c.SupplyIssuerData(sessionID, *data); err != nil {
						return err
					}
					return printResult(cCtx, c, sessionID)
				},
			},
			{
				Name:      "result",
				Usage:     "Wait for a session to resolve",
				ArgsUsage: "<session_id>",
				Action: func(cCtx *cli.Context) error {
					return printResult(cCtx, client(cCtx), cCtx.Args().First())
				},
			},
			{
				Name:      "status",
				Usage:     "Show a session",
				ArgsUsage: "<session_id>",
				Action: func(cCtx *cli.Context) error {
					resp, err := client(cCtx).Session(cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Abandon the active session",
				ArgsUsage: "<session_id>",
				Action: func(cCtx *cli.Context) error {
					return client(cCtx).Cancel(cCtx.Args().First())
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove every pass for the account",
				ArgsUsage: "<account_reference_id>",
				Action: func(cCtx *cli.Context) error {
					resp, err := client(cCtx).RemoveCard(cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "provision",
				Usage: "Run a whole session against the issuer simulator",
				Flags: []cli.Flag{flagCardholder, flagLastFour, flagAccount, flagScheme, flagIssuerAddr},
				Action: func(cCtx *cli.Context) error {
					c := client(cCtx)
					req := beginRequest(cCtx)

					session, err := c.BeginProvisioning(req)
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "session %s\n", session.SessionID)

					challenge, err := awaitChallenge(cCtx, c, session.SessionID)
					if err != nil {
						return err
					}

					issuerAddr := cCtx.String(flagIssuerAddr.Name)
					if issuerAddr == "" {
						issuerAddr = c.ServerAddr
					}
					iss := &issuerapi.Client{ServerAddr: issuerAddr}
					data, err := iss.Provision(api.IssuerProvisionRequest{
						Challenge:            *challenge,
						AccountReferenceID:   req.AccountReferenceID,
						PrimaryAccountSuffix: req.LastFour,
						CardholderName:       req.CardholderName,
					})
					if err != nil {
						// Release the slot; the issuer never answered.
						_ = c.Cancel(session.SessionID)
						return err
					}

					if err := c.SupplyIssuerData(session.SessionID, *data); err != nil {
						return err
					}
					return printResult(cCtx, c, session.SessionID)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(cCtx *cli.Context) *provisioning.Client {
	return &provisioning.Client{ServerAddr: cCtx.String(flags.ServerAddrFlag.Name)}
}

func beginRequest(cCtx *cli.Context) api.BeginProvisioningRequest {
	return api.BeginProvisioningRequest{
		CardholderName:     cCtx.String(flagCardholder.Name),
		LastFour:           cCtx.String(flagLastFour.Name),
		AccountReferenceID: cCtx.String(flagAccount.Name),
		EncryptionScheme:   cCtx.String(flagScheme.Name),
	}
}

func awaitChallenge(cCtx *cli.Context, c api.ProvisioningProvider, sessionID string) (*interfaces.ChallengePayload, error) {
	deadline := time.Now().Add(cCtx.Duration(flagTimeout.Name))
	for time.Now().Before(deadline) {
		challenge, err := c.Challenge(sessionID, cCtx.Duration(flagWait.Name))
		if errors.Is(err, provisioning.ErrPending) {
			continue
		}
		return challenge, err
	}
	return nil, fmt.Errorf("no challenge for session %s after %s", sessionID, cCtx.Duration(flagTimeout.Name))
}

func printResult(cCtx *cli.Context, c api.ProvisioningProvider, sessionID string) error {
	deadline := time.Now().Add(cCtx.Duration(flagTimeout.Name))
	for time.Now().Before(deadline) {
		res, err := c.Result(sessionID, cCtx.Duration(flagWait.Name))
		if errors.Is(err, provisioning.ErrPending) {
			continue
		}
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Success {
			return cli.Exit(fmt.Sprintf("provisioning failed: %s", res.ErrorCode), 1)
		}
		return nil
	}
	return fmt.Errorf("session %s unresolved after %s", sessionID, cCtx.Duration(flagTimeout.Name))
}

func readIssuerData(path string) (*interfaces.IssuerData, error) {
	f := os.Stdin
	if path != "-" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}

	var data interfaces.IssuerData
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return nil, fmt.Errorf("could not parse issuer data: %w", err)
	}
	return &data, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
