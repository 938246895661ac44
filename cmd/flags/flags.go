// Package flags holds CLI flags and setup helpers shared by the project's
// binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-envelope-signer/agent"
	"github.com/ruteri/tee-envelope-signer/common"
	"github.com/urfave/cli/v2"
)

// SetupLogger creates the process logger from the common logging flags.
func SetupLogger(cCtx *cli.Context, service string) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJSONFlag.Name),
		Service: service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUIDFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the agent HTTP server config from the common server
// flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *agent.HTTPServerConfig {
	return &agent.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}

var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var BackendFlag = &cli.StringFlag{
	Name:  "backend",
	Value: "software",
	Usage: "signing backend: 'software', 'sim' (in-process simulated device) or 'remote' (signer agent)",
}

var AgentURLFlag = &cli.StringFlag{
	Name:  "agent-url",
	Usage: "signer agent base URL for the remote backend (e.g. http://127.0.0.1:8080)",
}

var AgentDomainFlag = &cli.StringFlag{
	Name:  "agent-domain",
	Usage: "DNS SRV domain to discover signer agents (e.g. _signer-agent._tcp.example.com), used when agent-url is not set",
}

var DeviceSeedFlag = &cli.StringFlag{
	Name:  "device-seed",
	Usage: "hex-encoded 32-byte seed for the simulated device sealing hierarchy",
}

var KeyLabelFlag = &cli.StringFlag{
	Name:  "key-label",
	Value: "envelope-signing-key",
	Usage: "label of the signing key to load or provision",
}

var KeyAlgorithmFlag = &cli.StringFlag{
	Name:  "key-algorithm",
	Value: "rsa2048",
	Usage: "key algorithm: 'rsa2048' or 'ecp256'",
}

var KeyAuthFlag = &cli.StringFlag{
	Name:  "key-auth",
	Value: "",
	Usage: "authorization secret for the signing key",
}

var DigestFlag = &cli.StringFlag{
	Name:  "digest",
	Value: "sha256",
	Usage: "digest algorithm: 'sha256', 'sha384' or 'sha512'",
}

var SchemeFlag = &cli.StringFlag{
	Name:  "scheme",
	Value: "rsa-pkcs1v15",
	Usage: "signature scheme: 'rsa-pkcs1v15' or 'ecdsa'",
}

var ChunkSizeFlag = &cli.IntFlag{
	Name:  "chunk-size",
	Value: 2048,
	Usage: "chunk size in bytes for streaming content",
}

var KeyStoreFlag = &cli.StringFlag{
	Name:  "key-store",
	Usage: "key blob store URI for sealed key persistence (file://, vault://, s3://, ipfs://)",
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:  "attestation-type",
	Value: "dummy",
	Usage: "attestation provider: 'qemu-tdx' or 'dummy'",
}

var QuoteProviderFlag = &cli.StringFlag{
	Name:  "quote-provider",
	Usage: "base URL of a remote quote provider, for hosts without direct TDX device access",
}

// LoggingFlags are carried by every binary.
var LoggingFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
}

// ServerFlags are carried by service binaries.
var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	MetricsAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
}
