package funding

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/custody/internal/ledger"
)

// Handler exposes HTTP endpoints for deposits and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Deposit credits a wallet. A replayed external reference answers 200 with
// the unchanged wallet.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account id")
	}

	res, err := h.service.Deposit(c.UserContext(), DepositInput{
		AccountID:         accountID,
		Currency:          req.Currency,
		Amount:            req.Amount,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		return mapError(c, err, "")
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.Status(status).JSON(DepositResponse{
		AccountID:         accountID.String(),
		Currency:          res.Wallet.Currency,
		Balance:           res.Wallet.Balance.String(),
		Available:         res.Wallet.Available().String(),
		ExternalReference: res.Transaction.ExternalReference,
		Duplicate:         res.Duplicate,
	})
}

// Withdraw sends funds to an external address.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req WithdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account id")
	}

	res, err := h.service.Withdraw(c.UserContext(), WithdrawInput{
		AccountID:   accountID,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Destination: req.DestinationAddress,
	})
	if err != nil {
		withdrawalID := ""
		if res.Withdrawal.ID != uuid.Nil {
			withdrawalID = res.Withdrawal.ID.String()
		}
		return mapError(c, err, withdrawalID)
	}

	return c.Status(http.StatusOK).JSON(WithdrawResponse{
		AccountID:          accountID.String(),
		Currency:           res.Wallet.Currency,
		Balance:            res.Wallet.Balance.String(),
		Available:          res.Wallet.Available().String(),
		ExternalReference:  res.Withdrawal.ExternalReference,
		DestinationAddress: res.Withdrawal.Destination,
		WithdrawalID:       res.Withdrawal.ID.String(),
		Status:             res.Withdrawal.Status,
	})
}

// Withdrawal returns the status of a withdrawal intent.
func (h *Handler) Withdrawal(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("withdrawalId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid withdrawal id")
	}
	wd, err := h.service.Withdrawal(c.UserContext(), id)
	if err != nil {
		return mapError(c, err, "")
	}

	resp := WithdrawalResponse{
		WithdrawalID:       wd.ID.String(),
		AccountID:          wd.AccountID.String(),
		Currency:           wd.Currency,
		Amount:             wd.Amount.String(),
		DestinationAddress: wd.Destination,
		Status:             wd.Status,
		ExternalReference:  wd.ExternalReference,
		FailureReason:      wd.FailureReason,
		AttemptedAt:        wd.AttemptedAt.Format(time.RFC3339Nano),
	}
	if wd.ResolvedAt != nil {
		resolved := wd.ResolvedAt.Format(time.RFC3339Nano)
		resp.ResolvedAt = &resolved
	}
	return c.Status(http.StatusOK).JSON(resp)
}

func mapError(c *fiber.Ctx, err error, withdrawalID string) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return c.Status(http.StatusBadRequest).JSON(ErrorResponse{Error: "insufficient_balance"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		return c.Status(http.StatusBadRequest).JSON(ErrorResponse{Error: "invalid_amount", Message: err.Error()})
	case errors.Is(err, ledger.ErrUnsupportedCurrency):
		return c.Status(http.StatusBadRequest).JSON(ErrorResponse{Error: "unsupported_currency"})
	case errors.Is(err, ErrMissingReference), errors.Is(err, ErrMissingDestination):
		return c.Status(http.StatusBadRequest).JSON(ErrorResponse{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		return c.Status(http.StatusNotFound).JSON(ErrorResponse{Error: "not_found"})
	case errors.Is(err, ErrSettlementTransferFailed):
		return c.Status(http.StatusBadGateway).JSON(ErrorResponse{
			Error: "settlement_transfer_failed", Message: err.Error(), WithdrawalID: withdrawalID,
		})
	case errors.Is(err, ErrSettlementAmbiguous):
		return c.Status(http.StatusAccepted).JSON(ErrorResponse{
			Error: "settlement_ambiguous", WithdrawalID: withdrawalID,
		})
	default:
		return err
	}
}
