package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VictorAvelar/mollie-api-go/v4/mollie"
	"github.com/example/deliverify/pkg/config"
	"github.com/example/deliverify/pkg/money"
	"go.uber.org/zap"
)

const (
	ProviderMollie = "mollie"

	idempotencyHeader = "Idempotency-Key"
)

// MollieGateway adapts the Mollie payments API through the official Go
// client.
type MollieGateway struct {
	client     *mollie.Client
	currency   string
	httpClient *http.Client
	retry      RetryConfig
	logger     *zap.Logger
}

func NewMollieGateway(cfg *config.PaymentConfig, logger *zap.Logger) (*MollieGateway, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "EUR"
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: &idempotencyTransport{base: http.DefaultTransport},
	}
	// Keys are set per request by idempotencyTransport.
	client, err := mollie.NewClient(httpClient, mollie.NewAPIConfig(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create mollie client: %w", err)
	}
	if err := client.WithAuthenticationValue(cfg.APIKey); err != nil {
		return nil, fmt.Errorf("failed to set mollie api key: %w", err)
	}
	if cfg.BaseURL != "" {
		base, err := apiBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		client.BaseURL = base
	}

	return &MollieGateway{
		client:     client,
		currency:   currency,
		httpClient: httpClient,
		retry:      DefaultRetryConfig(),
		logger:     logger.Named("mollie"),
	}, nil
}

// apiBaseURL accepts the API root with or without the version segment; the
// client appends "v2/..." itself.
func apiBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSuffix(strings.TrimRight(raw, "/"), "/v2")
	u, err := url.Parse(trimmed + "/")
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("invalid payment.base_url %q", raw)
	}
	return u, nil
}

// WithRetry overrides the GetPayment retry policy.
func (g *MollieGateway) WithRetry(rc RetryConfig) *MollieGateway {
	g.retry = rc
	return g
}

func (g *MollieGateway) Name() string {
	return ProviderMollie
}

func normalize(p *mollie.Payment) *Payment {
	status := Status(strings.ToLower(string(p.Status)))
	out := &Payment{
		ID:     p.ID,
		Status: status,
		IsPaid: status == StatusPaid,
		PaidAt: p.PaidAt,
	}
	if p.Links.Checkout != nil {
		out.CheckoutURL = p.Links.Checkout.Href
	}
	return out
}

func (g *MollieGateway) CreatePayment(ctx context.Context, amount money.Cents, description string, opts CreateOptions) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrPaymentCreation, amount)
	}
	if opts.RedirectURL == "" {
		return nil, fmt.Errorf("%w: redirect url is required", ErrPaymentCreation)
	}

	req := mollie.CreatePayment{
		Amount:      &mollie.Amount{Currency: g.currency, Value: amount.String()},
		Description: description,
		RedirectURL: opts.RedirectURL,
		WebhookURL:  opts.WebhookURL,
	}
	if len(opts.Metadata) > 0 {
		req.Metadata = opts.Metadata
	}

	res, p, err := g.client.Payments.Create(withIdempotencyKey(ctx, opts.IdempotencyKey), req, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentCreation, classify(res, err))
	}
	if p == nil || p.ID == "" {
		return nil, fmt.Errorf("%w: provider returned no payment id", ErrPaymentCreation)
	}

	g.logger.Debug("payment created", zap.String("payment_id", p.ID), zap.String("status", string(p.Status)))
	return normalize(p), nil
}

func (g *MollieGateway) GetPayment(ctx context.Context, id string) (*Payment, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty payment id", ErrPaymentNotFound)
	}

	return retryWithBackoff(ctx, g.retry, IsTransient, func() (*Payment, error) {
		res, p, err := g.client.Payments.Get(ctx, id, nil)
		if err != nil {
			err = classify(res, err)
			if IsTransient(err) {
				g.logger.Warn("payment lookup failed", zap.String("payment_id", id), zap.Error(err))
			}
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("%w: empty response for %s", ErrPaymentNotFound, id)
		}
		return normalize(p), nil
	})
}

// classify maps a client error onto the package errors. 404 maps to
// ErrPaymentNotFound; transport errors, 429 and 5xx map to
// ErrProviderUnavailable.
func classify(res *mollie.Response, err error) error {
	status := 0
	var apiErr *mollie.BaseError
	if errors.As(err, &apiErr) {
		status = apiErr.Status
	}
	if status == 0 && res != nil && res.Response != nil {
		status = res.StatusCode
	}

	switch {
	case status == 0:
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: api error %d: %v", ErrProviderUnavailable, status, err)
	case status >= 300:
		return fmt.Errorf("api error %d: %v", status, err)
	default:
		return fmt.Errorf("decode response: %w", err)
	}
}

type idempotencyKeyCtx struct{}

func withIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// idempotencyTransport stamps the Idempotency-Key carried by the request
// context, so a retried create reuses the provider's first payment.
type idempotencyTransport struct {
	base http.RoundTripper
}

func (t *idempotencyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if key, ok := req.Context().Value(idempotencyKeyCtx{}).(string); ok {
		req = req.Clone(req.Context())
		req.Header.Set(idempotencyHeader, key)
	}
	return t.base.RoundTrip(req)
}
