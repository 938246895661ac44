package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/tee-envelope-signer/attest"
	"github.com/ruteri/tee-envelope-signer/backend"
	"github.com/ruteri/tee-envelope-signer/metrics"
)

// Identity is the agent's public identity document: its certificate and an
// attestation binding the certificate to the agent's execution environment.
type Identity struct {
	CertificateDER  []byte `json:"certificate_der"`
	AttestationType string `json:"attestation_type"`
	Attestation     []byte `json:"attestation"`
}

// Handler serves the device channel and the agent identity over HTTP.
type Handler struct {
	device backend.DeviceChannel

	certDER  []byte
	provider attest.Provider

	log *slog.Logger
}

// NewHandler creates a handler exposing the given device. The certificate is
// the agent's own signing identity, attested on demand.
func NewHandler(device backend.DeviceChannel, certDER []byte, provider attest.Provider, log *slog.Logger) *Handler {
	return &Handler{
		device:   device,
		certDER:  certDER,
		provider: provider,
		log:      log,
	}
}

// HandleDevice executes one device command submitted as JSON.
func (h *Handler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req backend.DeviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.log.Debug("Rejected malformed device request", "err", err)
		http.Error(w, "malformed device request", http.StatusBadRequest)
		return
	}

	resp, err := h.device.Submit(&req)
	if err != nil {
		h.log.Error("Device submission failed",
			slog.String("op", string(req.Op)),
			"err", err)
		metrics.DeviceCommandsTotal.WithLabelValues(string(req.Op), "error").Inc()
		http.Error(w, "device unavailable", http.StatusBadGateway)
		return
	}

	metrics.DeviceCommandsTotal.WithLabelValues(string(req.Op), fmt.Sprintf("%d", resp.Code)).Inc()
	metrics.DeviceCommandDuration.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())

	h.log.Debug("Served device command",
		slog.String("op", string(req.Op)),
		slog.Int("code", int(resp.Code)),
		slog.Duration("duration", time.Since(start)))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleIdentity returns the agent's certificate with a fresh attestation
// over it.
func (h *Handler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	reportData := attest.CertificateReportData(h.certDER)
	quote, err := h.provider.Attest(reportData)
	if err != nil {
		h.log.Error("Failed to attest agent identity", "err", err)
		http.Error(w, "attestation unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Identity{
		CertificateDER:  h.certDER,
		AttestationType: h.provider.AttestationType().StringID,
		Attestation:     quote,
	})
}
