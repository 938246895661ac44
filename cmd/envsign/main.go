package main

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/tee-envelope-signer/agent"
	"github.com/ruteri/tee-envelope-signer/attest"
	"github.com/ruteri/tee-envelope-signer/backend"
	"github.com/ruteri/tee-envelope-signer/cmd/flags"
	"github.com/ruteri/tee-envelope-signer/content"
	"github.com/ruteri/tee-envelope-signer/envelope"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"github.com/ruteri/tee-envelope-signer/keystore"
	"github.com/ruteri/tee-envelope-signer/metrics"
	"github.com/ruteri/tee-envelope-signer/resolver"
	"github.com/urfave/cli/v2"
)

var inFlag = &cli.StringFlag{
	Name:     "in",
	Required: true,
	Usage:    "content file to sign or verify",
}

var headerFlag = &cli.StringFlag{
	Name:  "header",
	Value: "envelope.header",
	Usage: "envelope header file",
}

var footerFlag = &cli.StringFlag{
	Name:  "footer",
	Value: "envelope.footer",
	Usage: "envelope footer file",
}

var certOutFlag = &cli.StringFlag{
	Name:  "cert-out",
	Usage: "write the signer certificate (DER) to this file",
}

var certPinFlag = &cli.StringFlag{
	Name:  "pin-cert",
	Usage: "DER certificate file whose public key the envelope must be signed with",
}

var bufferSizeFlag = &cli.IntFlag{
	Name:  "buffer-size",
	Value: envelope.DefaultBufferSize,
	Usage: "capacity of the header and footer buffers in bytes",
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "envsign",
		Usage: "Build and verify streamed signed-data envelopes",
		Commands: []*cli.Command{
			{
				Name:  "sign",
				Usage: "Stream a content file and emit the envelope header and footer",
				Flags: append([]cli.Flag{
					inFlag, headerFlag, footerFlag, certOutFlag, bufferSizeFlag,
					flags.BackendFlag, flags.AgentURLFlag, flags.AgentDomainFlag, flags.DeviceSeedFlag, flags.KeyStoreFlag,
					flags.KeyLabelFlag, flags.KeyAlgorithmFlag, flags.KeyAuthFlag,
					flags.DigestFlag, flags.SchemeFlag, flags.ChunkSizeFlag,
				}, flags.LoggingFlags...),
				Action: runSign,
			},
			{
				Name:  "verify",
				Usage: "Verify an envelope against an independently supplied content file",
				Flags: append([]cli.Flag{
					inFlag, headerFlag, footerFlag, certPinFlag, flags.ChunkSizeFlag,
				}, flags.LoggingFlags...),
				Action: runVerify,
			},
			{
				Name:  "identity",
				Usage: "Fetch a signer agent's identity and verify its attestation",
				Flags: append([]cli.Flag{
					flags.AgentURLFlag, flags.AgentDomainFlag, certOutFlag,
				}, flags.LoggingFlags...),
				Action: runIdentity,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// resolveAgentURL returns the signer agent base URL from the agent-url flag,
// falling back to DNS SRV discovery of the agent-domain.
func resolveAgentURL(cCtx *cli.Context, logger *slog.Logger) (string, error) {
	if agentURL := cCtx.String(flags.AgentURLFlag.Name); agentURL != "" {
		return agentURL, nil
	}

	domain := cCtx.String(flags.AgentDomainFlag.Name)
	if domain == "" {
		return "", errors.New("either agent-url or agent-domain is required")
	}
	endpoints, err := resolver.New().ResolveAgents(domain)
	if err != nil {
		return "", err
	}
	logger.Info("Discovered signer agent", "url", endpoints[0].URL())
	return endpoints[0].URL(), nil
}

// openKeyStore creates the key blob store named by the key-store flag, or
// returns nil when none is configured.
func openKeyStore(cCtx *cli.Context, logger *slog.Logger) (interfaces.KeyBlobStore, error) {
	storeURI := cCtx.String(flags.KeyStoreFlag.Name)
	if storeURI == "" {
		return nil, nil
	}

	location, err := interfaces.NewStoreLocation(storeURI)
	if err != nil {
		return nil, err
	}
	return keystore.NewFactory(logger).StoreFor(location)
}

// buildBackend constructs the signing backend selected by the flags. For the
// sim backend it also returns a persist function that seals the signing key
// into the configured store, so the same key is reused across invocations.
func buildBackend(cCtx *cli.Context, logger *slog.Logger) (interfaces.SigningBackend, func(ctx context.Context) error, error) {
	switch cCtx.String(flags.BackendFlag.Name) {
	case "software":
		return backend.NewSoftwareBackend(logger), nil, nil

	case "sim":
		seedHex := cCtx.String(flags.DeviceSeedFlag.Name)
		if seedHex == "" {
			return nil, nil, errors.New("device-seed is required for the sim backend")
		}
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != 32 {
			return nil, nil, fmt.Errorf("invalid device-seed, want 64 hex chars: %v", err)
		}

		device, err := backend.NewSimDevice(seed)
		if err != nil {
			return nil, nil, err
		}

		store, err := openKeyStore(cCtx, logger)
		if err != nil {
			return nil, nil, err
		}
		label := cCtx.String(flags.KeyLabelFlag.Name)

		var persist func(ctx context.Context) error
		if store != nil {
			if err := restoreSealedKey(cCtx.Context, device, store, label, logger); err != nil {
				return nil, nil, err
			}
			persist = func(ctx context.Context) error {
				blob, err := device.ExportSealedKey(label)
				if err != nil {
					return err
				}
				if err := store.Store(ctx, label, blob); err != nil {
					return err
				}
				logger.Info("Persisted sealed key blob", "label", label, "store", store.Name())
				return nil
			}
		}
		return backend.NewHardwareBackend(device, logger), persist, nil

	case "remote":
		agentURL, err := resolveAgentURL(cCtx, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend.NewHardwareBackend(backend.NewRemoteChannel(agentURL), logger), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cCtx.String(flags.BackendFlag.Name))
	}
}

// restoreSealedKey imports the signing key's sealed blob from the store, if
// one exists under the key label.
func restoreSealedKey(ctx context.Context, device *backend.SimDevice, store interfaces.KeyBlobStore, label string, logger *slog.Logger) error {
	blob, err := store.Fetch(ctx, label)
	if errors.Is(err, interfaces.ErrBlobNotFound) {
		logger.Debug("No sealed key blob to restore", "label", label)
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("Restoring sealed key blob", "label", label, "store", store.Name())
	return device.ImportSealedKey(label, blob)
}

func runSign(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "envsign")
	ctx := cCtx.Context

	digestAlg, err := interfaces.NewDigestAlgorithmFromString(cCtx.String(flags.DigestFlag.Name))
	if err != nil {
		return err
	}
	scheme, err := interfaces.NewSignatureSchemeFromString(cCtx.String(flags.SchemeFlag.Name))
	if err != nil {
		return err
	}
	keyAlg := interfaces.KeyRSA2048
	if cCtx.String(flags.KeyAlgorithmFlag.Name) == "ecp256" {
		keyAlg = interfaces.KeyECP256
	}

	b, persistKey, err := buildBackend(cCtx, logger)
	if err != nil {
		return err
	}

	src, err := content.NewFileSource(cCtx.String(inFlag.Name))
	if err != nil {
		return err
	}
	defer src.Close()

	template := interfaces.KeyTemplate{
		Algorithm: keyAlg,
		Usage:     interfaces.UsageSign,
		Label:     cCtx.String(flags.KeyLabelFlag.Name),
	}
	auth := interfaces.KeyAuth(cCtx.String(flags.KeyAuthFlag.Name))

	bufferSize := cCtx.Int(bufferSizeFlag.Name)
	headerBuf := make([]byte, bufferSize)
	footerBuf := make([]byte, bufferSize)
	var headerLen, footerLen int
	var certDER []byte

	err = backend.WithLoadedKey(ctx, b, template, nil, auth, func(handle *interfaces.KeyHandle) error {
		certDER, err = backend.SelfSignedCertificate(ctx, b, handle, template.Label, 365*24*time.Hour)
		if err != nil {
			return err
		}

		builder := envelope.NewBuilder(logger).WithChunkSize(cCtx.Int(flags.ChunkSizeFlag.Name))
		headerLen, footerLen, err = builder.Build(ctx, src, src.Size(), &interfaces.SigningContext{
			Backend:        b,
			Key:            handle,
			Digest:         digestAlg,
			Scheme:         scheme,
			CertificateDER: certDER,
		}, headerBuf, footerBuf)
		return err
	})
	if err != nil {
		return err
	}
	metrics.EnvelopesBuiltTotal.Inc()

	if persistKey != nil {
		if err := persistKey(ctx); err != nil {
			return fmt.Errorf("failed to persist sealed key: %w", err)
		}
	}

	if err := os.WriteFile(cCtx.String(headerFlag.Name), headerBuf[:headerLen], 0644); err != nil {
		return err
	}
	if err := os.WriteFile(cCtx.String(footerFlag.Name), footerBuf[:footerLen], 0644); err != nil {
		return err
	}
	if certOut := cCtx.String(certOutFlag.Name); certOut != "" {
		if err := os.WriteFile(certOut, certDER, 0644); err != nil {
			return err
		}
	}

	logger.Info("Envelope built",
		"contentLength", src.Size(),
		"headerLen", headerLen,
		"footerLen", footerLen)
	return nil
}

func runVerify(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "envsign")
	ctx := cCtx.Context

	src, err := content.NewFileSource(cCtx.String(inFlag.Name))
	if err != nil {
		return err
	}
	defer src.Close()

	header, err := os.ReadFile(cCtx.String(headerFlag.Name))
	if err != nil {
		return err
	}
	footer, err := os.ReadFile(cCtx.String(footerFlag.Name))
	if err != nil {
		return err
	}

	var vctx *interfaces.VerificationContext
	if pinPath := cCtx.String(certPinFlag.Name); pinPath != "" {
		pinDER, err := os.ReadFile(pinPath)
		if err != nil {
			return err
		}
		pinCert, err := x509.ParseCertificate(pinDER)
		if err != nil {
			return fmt.Errorf("failed to parse pinned certificate: %w", err)
		}
		vctx = &interfaces.VerificationContext{ExpectedPublicKey: pinCert.PublicKey}
	}

	verifier := envelope.NewVerifier(logger).WithChunkSize(cCtx.Int(flags.ChunkSizeFlag.Name))
	if err := verifier.Verify(ctx, src, src.Size(), header, footer, vctx); err != nil {
		return err
	}

	logger.Info("Envelope verified", "contentLength", src.Size())
	return nil
}

func runIdentity(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "envsign")
	ctx := cCtx.Context

	agentURL, err := resolveAgentURL(cCtx, logger)
	if err != nil {
		return err
	}

	identity, err := agent.NewClient(agentURL).Identity(ctx)
	if err != nil {
		return err
	}

	measurements, err := identity.Verify()
	if err != nil {
		return fmt.Errorf("agent identity does not verify: %w", err)
	}
	if identity.AttestationType == attest.DummyAttestation.StringID {
		logger.Warn("Agent presented a dummy attestation, its environment is unverified")
	}
	for i := 0; i < len(measurements); i++ {
		logger.Info("Measurement register", "index", i, "value", measurements[i])
	}

	cert, err := x509.ParseCertificate(identity.CertificateDER)
	if err != nil {
		return fmt.Errorf("agent certificate does not parse: %w", err)
	}
	logger.Info("Agent identity verified",
		"agent", agentURL,
		"subject", cert.Subject.CommonName,
		"attestationType", identity.AttestationType)

	if certOut := cCtx.String(certOutFlag.Name); certOut != "" {
		if err := os.WriteFile(certOut, identity.CertificateDER, 0644); err != nil {
			return err
		}
		logger.Info("Wrote agent certificate for pinning", "path", certOut)
	}
	return nil
}
