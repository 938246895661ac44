package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-envelope-signer/agent"
	"github.com/ruteri/tee-envelope-signer/attest"
	"github.com/ruteri/tee-envelope-signer/backend"
	"github.com/ruteri/tee-envelope-signer/cmd/flags"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"github.com/ruteri/tee-envelope-signer/keystore"
	"github.com/urfave/cli/v2"
)

var identityLabelFlag = &cli.StringFlag{
	Name:  "identity-label",
	Value: "agent-identity",
	Usage: "label of the agent's own identity key on the device",
}

var keySlotsFlag = &cli.IntFlag{
	Name:  "key-slots",
	Value: backend.DefaultKeySlots,
	Usage: "number of concurrent key references the device holds open",
}

func main() {
	app := &cli.App{
		Name:  "signer-agent",
		Usage: "Serve a signing boundary's device channel over HTTP",
		Flags: append(append([]cli.Flag{
			flags.DeviceSeedFlag,
			flags.KeyStoreFlag,
			flags.AttestationTypeFlag,
			flags.QuoteProviderFlag,
			identityLabelFlag,
			keySlotsFlag,
		}, flags.ServerFlags...), flags.LoggingFlags...),
		Action: runAgent,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAgent(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "signer-agent")
	ctx := cCtx.Context

	// Device seed: provided for a stable sealing hierarchy, or generated
	// fresh, in which case sealed blobs do not survive restarts
	var seed []byte
	if seedHex := cCtx.String(flags.DeviceSeedFlag.Name); seedHex != "" {
		var err error
		seed, err = hex.DecodeString(seedHex)
		if err != nil || len(seed) != 32 {
			logger.Error("Invalid device-seed, want 64 hex chars", "err", err)
			return errors.New("invalid device-seed")
		}
	} else {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return err
		}
		logger.Warn("Generated ephemeral device seed, sealed keys will not survive restarts")
	}

	device, err := backend.NewSimDevice(seed)
	if err != nil {
		logger.Error("Failed to create device", "err", err)
		return err
	}
	device = device.WithKeySlots(cCtx.Int(keySlotsFlag.Name))

	// Restore previously sealed keys from the blob store
	identityLabel := cCtx.String(identityLabelFlag.Name)
	var store interfaces.KeyBlobStore
	if storeURI := cCtx.String(flags.KeyStoreFlag.Name); storeURI != "" {
		location, err := interfaces.NewStoreLocation(storeURI)
		if err != nil {
			return err
		}
		store, err = keystore.NewFactory(logger).StoreFor(location)
		if err != nil {
			return err
		}

		blob, err := store.Fetch(ctx, identityLabel)
		switch {
		case err == nil:
			if err := device.ImportSealedKey(identityLabel, blob); err != nil {
				return fmt.Errorf("failed to restore identity key: %w", err)
			}
			logger.Info("Restored identity key from store", "store", store.Name())
		case errors.Is(err, interfaces.ErrBlobNotFound):
			logger.Info("No sealed identity key in store, provisioning a fresh one")
		default:
			return err
		}
	}

	// The agent's identity: a key on the device and a certificate signed
	// through it
	hw := backend.NewHardwareBackend(device, logger)
	var certDER []byte
	err = backend.WithLoadedKey(ctx, hw,
		interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: identityLabel},
		device.RootHandle(), nil,
		func(handle *interfaces.KeyHandle) error {
			var err error
			certDER, err = backend.SelfSignedCertificate(ctx, hw, handle, identityLabel, 365*24*time.Hour)
			return err
		})
	if err != nil {
		logger.Error("Failed to provision agent identity", "err", err)
		return err
	}

	if store != nil {
		blob, err := device.ExportSealedKey(identityLabel)
		if err != nil {
			return err
		}
		if err := store.Store(ctx, identityLabel, blob); err != nil {
			return err
		}
		logger.Info("Persisted sealed identity key", "store", store.Name())
	}

	var provider attest.Provider
	if quoteProvider := cCtx.String(flags.QuoteProviderFlag.Name); quoteProvider != "" {
		provider = &attest.RemoteProvider{Address: quoteProvider}
		logger.Info("Using remote quote provider", "address", quoteProvider)
	} else {
		provider, err = attest.ProviderFromString(cCtx.String(flags.AttestationTypeFlag.Name))
		if err != nil {
			logger.Error("Unknown attestation type", "type", cCtx.String(flags.AttestationTypeFlag.Name))
			return err
		}
	}

	handler := agent.NewHandler(device, certDER, provider, logger)
	server, err := agent.New(flags.ConfigureServer(cCtx, logger), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Signer agent is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
