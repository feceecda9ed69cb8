package payment

import (
	"fmt"

	"github.com/artpar/runmeter/ports"
)

// Config selects and configures the payment provider.
type Config struct {
	Provider      string // "stripe", "dummy", "none"
	SecretKey     string
	WebhookSecret string
}

// NewProvider creates a payment provider from configuration.
func NewProvider(cfg Config) (ports.PaymentProvider, error) {
	switch cfg.Provider {
	case "stripe":
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		return NewStripeProvider(StripeConfig{
			SecretKey:     cfg.SecretKey,
			WebhookSecret: cfg.WebhookSecret,
		}), nil

	case "dummy", "test":
		return NewDummyProvider(), nil

	case "none", "":
		return NewNoopProvider(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", cfg.Provider)
	}
}
