package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/services"
)

// HealthHandlers serves liveness and readiness probes. Healthz answers
// from process state only; Readyz consults the system service so load
// balancers stop routing when a critical dependency is down.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises health handler construction.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the dependency-probing system service.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthBuildInfo sets the version metadata echoed in probe responses.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

type readyzCheck struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
}

type readyzResponse struct {
	Status      string                 `json:"status"`
	Checks      map[string]readyzCheck `json:"checks"`
	Details     []string               `json:"details"`
	Version     string                 `json:"version,omitempty"`
	CommitSHA   string                 `json:"commitSha,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	GeneratedAt string                 `json:"generatedAt,omitempty"`
}

// Readyz reports dependency readiness. Anything other than an overall
// ok status answers 503 so rollout health checks fail fast.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, readyzResponse{
			Status:  domain.HealthStatusError,
			Checks:  map[string]readyzCheck{},
			Details: []string{fmt.Sprintf("health report: %v", err)},
		})
		return
	}

	resp := readyzResponse{
		Status:      report.Status,
		Checks:      make(map[string]readyzCheck, len(report.Checks)),
		Details:     []string{},
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
	}
	if !report.GeneratedAt.IsZero() {
		resp.GeneratedAt = report.GeneratedAt.UTC().Format(time.RFC3339Nano)
	}

	for name, check := range report.Checks {
		resp.Checks[name] = readyzCheck{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
		if check.Status != domain.HealthStatusOK && check.Status != "" {
			detail := check.Error
			if detail == "" {
				detail = check.Detail
			}
			if detail == "" {
				detail = check.Status
			}
			resp.Details = append(resp.Details, fmt.Sprintf("%s: %s", name, detail))
		}
	}
	sort.Strings(resp.Details)

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}
