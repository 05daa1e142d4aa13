package funding

import "github.com/shopspring/decimal"

// DepositRequest is a deposit notification for an account.
type DepositRequest struct {
	AccountID         string          `json:"account_id"`
	Currency          string          `json:"currency"`
	Amount            decimal.Decimal `json:"amount"`
	ExternalReference string          `json:"external_reference"`
}

// DepositResponse reports the wallet after a deposit.
type DepositResponse struct {
	AccountID         string `json:"account_id"`
	Currency          string `json:"currency"`
	Balance           string `json:"balance"`
	Available         string `json:"available"`
	ExternalReference string `json:"external_reference"`
	Duplicate         bool   `json:"duplicate"`
}

// WithdrawRequest asks for funds to be sent to an external address.
type WithdrawRequest struct {
	AccountID          string          `json:"account_id"`
	Currency           string          `json:"currency"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destination_address"`
}

// WithdrawResponse reports a withdrawal and, once settled, the wallet after it.
type WithdrawResponse struct {
	AccountID          string `json:"account_id"`
	Currency           string `json:"currency"`
	Balance            string `json:"balance,omitempty"`
	Available          string `json:"available,omitempty"`
	ExternalReference  string `json:"external_reference,omitempty"`
	DestinationAddress string `json:"destination_address"`
	WithdrawalID       string `json:"withdrawal_id"`
	Status             string `json:"status"`
}

// WithdrawalResponse describes a stored withdrawal intent.
type WithdrawalResponse struct {
	WithdrawalID       string  `json:"withdrawal_id"`
	AccountID          string  `json:"account_id"`
	Currency           string  `json:"currency"`
	Amount             string  `json:"amount"`
	DestinationAddress string  `json:"destination_address"`
	Status             string  `json:"status"`
	ExternalReference  string  `json:"external_reference,omitempty"`
	FailureReason      string  `json:"failure_reason,omitempty"`
	AttemptedAt        string  `json:"attempted_at"`
	ResolvedAt         *string `json:"resolved_at,omitempty"`
}

// ErrorResponse carries a machine-readable reason code.
type ErrorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message,omitempty"`
	WithdrawalID string `json:"withdrawal_id,omitempty"`
}
