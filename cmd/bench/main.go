package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/tee-envelope-signer/backend"
	"github.com/ruteri/tee-envelope-signer/cmd/flags"
	"github.com/ruteri/tee-envelope-signer/content"
	"github.com/ruteri/tee-envelope-signer/digest"
	"github.com/ruteri/tee-envelope-signer/envelope"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"github.com/urfave/cli/v2"
)

var contentLengthFlag = &cli.Int64Flag{
	Name:  "content-length",
	Value: 1024*1024 + 12,
	Usage: "length of the generated content in bytes",
}

var durationFlag = &cli.DurationFlag{
	Name:  "duration",
	Value: 3 * time.Second,
	Usage: "minimum time to keep each benchmark loop running",
}

func main() {
	app := &cli.App{
		Name:  "envbench",
		Usage: "Benchmark streamed digest and envelope construction",
		Flags: append([]cli.Flag{
			contentLengthFlag,
			durationFlag,
			flags.DigestFlag,
			flags.ChunkSizeFlag,
		}, flags.LoggingFlags...),
		Action: runBench,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runBench(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "envbench")
	ctx := cCtx.Context

	totalLength := cCtx.Int64(contentLengthFlag.Name)
	chunkSize := cCtx.Int(flags.ChunkSizeFlag.Name)
	minDuration := cCtx.Duration(durationFlag.Name)

	digestAlg, err := interfaces.NewDigestAlgorithmFromString(cCtx.String(flags.DigestFlag.Name))
	if err != nil {
		return err
	}

	src := content.NewPatternSource(totalLength)

	// Streamed digest throughput
	start := time.Now()
	iterations := 0
	for time.Since(start) < minDuration {
		if _, err := digest.DigestChunkSource(src, digestAlg, chunkSize); err != nil {
			return err
		}
		iterations++
	}
	elapsed := time.Since(start)
	report(fmt.Sprintf("digest %s", digestAlg), totalLength, iterations, elapsed)

	// Full envelope build: digest, sign, serialize
	b := backend.NewSoftwareBackend(logger)
	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "bench-key"}

	return backend.WithLoadedKey(ctx, b, template, nil, nil, func(handle *interfaces.KeyHandle) error {
		certDER, err := backend.SelfSignedCertificate(ctx, b, handle, "bench", time.Hour)
		if err != nil {
			return err
		}
		sctx := &interfaces.SigningContext{
			Backend:        b,
			Key:            handle,
			Digest:         digestAlg,
			Scheme:         interfaces.SchemeRSAPKCS1v15,
			CertificateDER: certDER,
		}

		builder := envelope.NewBuilder(nil).WithChunkSize(chunkSize)
		headerBuf := make([]byte, envelope.DefaultBufferSize)
		footerBuf := make([]byte, envelope.DefaultBufferSize)

		start := time.Now()
		iterations := 0
		for time.Since(start) < minDuration {
			if _, _, err := builder.Build(ctx, src, totalLength, sctx, headerBuf, footerBuf); err != nil {
				return err
			}
			iterations++
		}
		report("envelope build", totalLength, iterations, time.Since(start))
		return nil
	})
}

// report prints one benchmark line in bytes-per-second terms.
func report(name string, totalLength int64, iterations int, elapsed time.Duration) {
	processed := totalLength * int64(iterations)
	mbPerSec := float64(processed) / (1024 * 1024) / elapsed.Seconds()
	fmt.Printf("%-20s %4d iterations of %8d bytes in %8.2fs: %8.2f MB/s\n",
		name, iterations, totalLength, elapsed.Seconds(), mbPerSec)
}
