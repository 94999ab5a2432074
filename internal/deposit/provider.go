package deposit

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Checkout is a request to collect funds from a customer.
type Checkout struct {
	Reference string
	Email     string
	Amount    decimal.Decimal
}

// Verification is the provider's view of a charge.
type Verification struct {
	Status string
	Amount decimal.Decimal
}

// Provider abstracts the payment provider's checkout API.
type Provider interface {
	Initialize(ctx context.Context, checkout Checkout) (authorizationURL string, err error)
	Verify(ctx context.Context, reference string) (Verification, error)
}

// StaticProvider builds checkout URLs locally and answers verifications from
// charges confirmed through Confirm. It stands in for the provider in
// development and tests.
type StaticProvider struct {
	checkoutURL string

	mu       sync.Mutex
	verified map[string]Verification
}

// NewStaticProvider returns a provider whose checkout links live under baseURL.
func NewStaticProvider(baseURL string) *StaticProvider {
	return &StaticProvider{
		checkoutURL: strings.TrimRight(baseURL, "/"),
		verified:    make(map[string]Verification),
	}
}

func (p *StaticProvider) Initialize(_ context.Context, checkout Checkout) (string, error) {
	return p.checkoutURL + "/" + checkout.Reference, nil
}

func (p *StaticProvider) Verify(_ context.Context, reference string) (Verification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.verified[reference]; ok {
		return v, nil
	}
	return Verification{Status: "pending"}, nil
}

// Confirm records the provider-side outcome of a charge.
func (p *StaticProvider) Confirm(reference, status string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified[reference] = Verification{Status: status, Amount: amount}
}
