package x402

import "fmt"

// DefaultMaxTimeoutSeconds bounds the validity window advertised in a
// payment challenge.
const DefaultMaxTimeoutSeconds = 300

// BuildRequirements produces the canonical PaymentRequirements for a price
// in cents on the given network. Token-priced networks carry an exact
// atomic amount; dollar-priced networks carry the display string only.
func BuildRequirements(priceCents int64, payTo string, network *NetworkConfig) (PaymentRequirements, error) {
	if payTo == "" {
		return PaymentRequirements{}, NewPaymentError(ErrCodeInvalidConfig, "payTo address is required", nil)
	}

	req := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           network.Network,
		PayTo:             payTo,
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
	}

	if !network.TokenPriced() {
		req.PriceDisplay = CentsToDisplay(priceCents)
		return req, nil
	}

	amount, err := CentsToBaseUnits(priceCents, network.Token.Decimals)
	if err != nil {
		return PaymentRequirements{}, fmt.Errorf("pricing %d cents on %s: %w", priceCents, network.Network, err)
	}

	req.Asset = network.Token.Address
	req.Amount = amount.String()
	req.Extra = map[string]interface{}{
		"currency": network.Token.Symbol,
	}
	if network.EIP712Name != "" {
		req.Extra["name"] = network.EIP712Name
		req.Extra["version"] = network.EIP712Version
	}
	return req, nil
}
