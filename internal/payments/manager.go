package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Selection scoring penalties. The base score is the provider priority;
// a provider that cannot hard-validate the request is excluded outright.
const (
	penaltyCurrency    = 50
	penaltyCountry     = 30
	penaltyOverCeiling = 100
	penaltyUnderFloor  = 50
)

// Manager owns the provider registry, selection scoring, intent routing,
// and webhook brokerage.
type Manager struct {
	providers map[string]Provider
	order     []string
	logger    Logger
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger installs a structured event logger.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registry := make(map[string]Provider, len(providers))
	for key, provider := range providers {
		name := strings.TrimSpace(strings.ToLower(key))
		if name == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", key)
		}
		registry[name] = provider
	}

	// Stable iteration order: highest priority first, then name.
	order := make([]string, 0, len(registry))
	for name := range registry {
		order = append(order, name)
	}
	sort.Slice(order, func(i, j int) bool {
		pi := registry[order[i]].Info().Priority
		pj := registry[order[j]].Info().Priority
		if pi != pj {
			return pi > pj
		}
		return order[i] < order[j]
	})

	m := &Manager{
		providers: registry,
		order:     order,
		logger:    func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Provider returns the registered provider by name.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	provider, ok := m.providers[strings.TrimSpace(strings.ToLower(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	return provider, nil
}

// Infos lists the registered providers in priority order, for the
// storefront payment method picker.
func (m *Manager) Infos() []Info {
	if m == nil {
		return nil
	}
	infos := make([]Info, 0, len(m.order))
	for _, name := range m.order {
		infos = append(infos, m.providers[name].Info())
	}
	return infos
}

// ApplyGatewaySettings pushes per-gateway options from store settings
// into each registered provider.
func (m *Manager) ApplyGatewaySettings(ctx context.Context, options map[string]map[string]string) error {
	if m == nil {
		return errors.New("payments: manager is nil")
	}
	var firstErr error
	for name, provider := range m.providers {
		opts, ok := options[name]
		if !ok {
			continue
		}
		if err := provider.Initialize(ctx, opts); err != nil {
			m.logger(ctx, "payments.manager.initialize.failed", map[string]any{
				"provider": name,
				"error":    err.Error(),
			})
			if firstErr == nil {
				firstErr = fmt.Errorf("payments: initialize %s: %w", name, err)
			}
		}
	}
	return firstErr
}

type scoredProvider struct {
	name     string
	provider Provider
	score    int
	priority int
}

// SelectProvider scores every registered provider against the request
// and returns the best candidate. Providers whose validator rejects the
// request are excluded before scoring.
func (m *Manager) SelectProvider(ctx context.Context, req CreateIntentRequest) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}

	country := ""
	if req.Shipping != nil {
		country = req.Shipping.Country
	}

	var candidates []scoredProvider
	for _, name := range m.order {
		provider := m.providers[name]
		if problems := provider.ValidatePaymentData(req); len(problems) > 0 {
			m.logger(ctx, "payments.manager.select.excluded", map[string]any{
				"provider": name,
				"problems": problems,
			})
			continue
		}
		info := provider.Info()
		score := info.Priority
		if !info.SupportsCurrency(req.Currency) {
			score -= penaltyCurrency
		}
		if country != "" && !info.SupportsCountry(country) {
			score -= penaltyCountry
		}
		if info.MaxAmount > 0 && req.Amount > info.MaxAmount {
			score -= penaltyOverCeiling
		}
		if info.SupportsInstallments && info.MinAmount > 0 && req.Amount < info.MinAmount {
			score -= penaltyUnderFloor
		}
		if score <= 0 {
			continue
		}
		candidates = append(candidates, scoredProvider{
			name:     name,
			provider: provider,
			score:    score,
			priority: info.Priority,
		})
	}
	if len(candidates) == 0 {
		return "", nil, ErrNoEligibleProvider
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].priority > candidates[j].priority
	})
	best := candidates[0]
	m.logger(ctx, "payments.manager.select", map[string]any{
		"provider": best.name,
		"score":    best.score,
	})
	return best.name, best.provider, nil
}

// CreateIntent routes to the requested provider when one is named,
// otherwise selects by scoring. The provider's validator always runs
// before any gateway call.
func (m *Manager) CreateIntent(ctx context.Context, preferred string, req CreateIntentRequest) (Intent, error) {
	if m == nil {
		return Intent{}, errors.New("payments: manager is nil")
	}

	var (
		name     string
		provider Provider
		err      error
	)
	if strings.TrimSpace(preferred) != "" {
		provider, err = m.Provider(preferred)
		if err != nil {
			return Intent{}, err
		}
		name = strings.TrimSpace(strings.ToLower(preferred))
		if problems := provider.ValidatePaymentData(req); len(problems) > 0 {
			return Intent{}, fmt.Errorf("payments: %s rejected the request: %s", name, strings.Join(problems, "; "))
		}
	} else {
		name, provider, err = m.SelectProvider(ctx, req)
		if err != nil {
			return Intent{}, err
		}
	}

	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = name
	return intent, nil
}

// ProviderForIntent resolves the provider owning an intent. The stored
// provider name wins; the id prefix convention covers records written
// before the name was persisted; probing every provider is the last
// resort.
func (m *Manager) ProviderForIntent(ctx context.Context, storedProvider, intentID string) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if name := strings.TrimSpace(strings.ToLower(storedProvider)); name != "" {
		if provider, ok := m.providers[name]; ok {
			return name, provider, nil
		}
		m.logger(ctx, "payments.manager.resolve.unknownStored", map[string]any{
			"provider": name,
			"intentId": intentID,
		})
	}
	for _, name := range m.order {
		if OwnsIntent(name, intentID) {
			return name, m.providers[name], nil
		}
	}
	for _, name := range m.order {
		if _, err := m.providers[name].GetStatus(ctx, intentID); err == nil {
			m.logger(ctx, "payments.manager.resolve.probed", map[string]any{
				"provider": name,
				"intentId": intentID,
			})
			return name, m.providers[name], nil
		}
	}
	return "", nil, fmt.Errorf("%w: no provider recognises intent %s", ErrUnsupportedProvider, intentID)
}

// Confirm resolves the owning provider and confirms the intent.
func (m *Manager) Confirm(ctx context.Context, storedProvider string, req ConfirmRequest) (Details, error) {
	_, provider, err := m.ProviderForIntent(ctx, storedProvider, req.IntentID)
	if err != nil {
		return Details{}, err
	}
	return provider.Confirm(ctx, req)
}

// Cancel resolves the owning provider and voids the intent.
func (m *Manager) Cancel(ctx context.Context, storedProvider, intentID string) (Details, error) {
	_, provider, err := m.ProviderForIntent(ctx, storedProvider, intentID)
	if err != nil {
		return Details{}, err
	}
	return provider.Cancel(ctx, intentID)
}

// Refund resolves the owning provider and refunds the intent.
func (m *Manager) Refund(ctx context.Context, storedProvider string, req RefundRequest) (Details, error) {
	_, provider, err := m.ProviderForIntent(ctx, storedProvider, req.IntentID)
	if err != nil {
		return Details{}, err
	}
	return provider.Refund(ctx, req)
}

// GetStatus resolves the owning provider and fetches the intent state.
func (m *Manager) GetStatus(ctx context.Context, storedProvider, intentID string) (Details, error) {
	_, provider, err := m.ProviderForIntent(ctx, storedProvider, intentID)
	if err != nil {
		return Details{}, err
	}
	return provider.GetStatus(ctx, intentID)
}

// HandleWebhook brokers an inbound notification to the named provider.
// Webhooks always arrive on provider-specific paths, so the name is
// explicit rather than sniffed from the payload.
func (m *Manager) HandleWebhook(ctx context.Context, providerName string, body []byte, header http.Header) (WebhookEvent, error) {
	provider, err := m.Provider(providerName)
	if err != nil {
		return WebhookEvent{}, err
	}
	return provider.HandleWebhook(ctx, body, header)
}
