package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	lamportsPerSOL    = 1_000_000_000
	depositSeedPrefix = "deposit"
)

// SolanaConfig configures the Solana settlement gateway.
type SolanaConfig struct {
	RPCURL          string
	ProgramID       string
	TreasuryKeyPath string
	Commitment      rpc.CommitmentType
	// BlockhashTTL bounds how long a submitted transaction can still land.
	BlockhashTTL time.Duration
	PollInterval time.Duration
	// LookupLimit is the page size for signature history scans.
	LookupLimit int
	// LookupPages caps how many history pages are scanned per lookup.
	LookupPages int
}

// SolanaGateway settles SOL withdrawals from a treasury keypair and derives
// deposit addresses from the custody program.
type SolanaGateway struct {
	client   *rpc.Client
	program  solana.PublicKey
	treasury solana.PrivateKey
	cfg      SolanaConfig
	logger   *slog.Logger
}

// NewSolanaGateway loads the treasury keypair and connects to the RPC node.
func NewSolanaGateway(cfg SolanaConfig, logger *slog.Logger) (*SolanaGateway, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("solana rpc url is required")
	}
	program, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("parse program id: %w", err)
	}
	treasury, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.TreasuryKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load treasury keypair: %w", err)
	}
	return newSolanaGateway(rpc.New(cfg.RPCURL), program, treasury, cfg, logger), nil
}

func newSolanaGateway(client *rpc.Client, program solana.PublicKey, treasury solana.PrivateKey, cfg SolanaConfig, logger *slog.Logger) *SolanaGateway {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentFinalized
	}
	if cfg.BlockhashTTL <= 0 {
		cfg.BlockhashTTL = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LookupLimit <= 0 {
		cfg.LookupLimit = 100
	}
	if cfg.LookupPages <= 0 {
		cfg.LookupPages = 5
	}
	return &SolanaGateway{
		client:   client,
		program:  program,
		treasury: treasury,
		cfg:      cfg,
		logger:   logger,
	}
}

// GenerateDepositAddress derives the program address seeded by the account
// id. Program addresses have no private key; the custody program signs for
// them by re-deriving the same seeds, so funds sent there stay sweepable.
func (g *SolanaGateway) GenerateDepositAddress(ctx context.Context, accountID uuid.UUID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if accountID == uuid.Nil {
		return "", fmt.Errorf("%w: account id is required", ErrAddressUnavailable)
	}
	addr, _, err := DepositAddress(g.program, accountID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressUnavailable, err)
	}
	return addr.String(), nil
}

// DepositAddress returns the program address and bump seed for an account.
// Sweeps sign with seeds ["deposit", account id bytes, bump].
func DepositAddress(program solana.PublicKey, accountID uuid.UUID) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(depositSeedPrefix), accountID[:]}, program)
}

// Transfer submits a system transfer tagged with the idempotency key as memo
// and waits for the configured commitment.
func (g *SolanaGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Currency != "SOL" {
		return "", fmt.Errorf("%w: currency %s not settled on solana", ErrTransferRejected, req.Currency)
	}
	lamports, err := toLamports(req.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	dest, err := solana.PublicKeyFromBase58(req.Destination)
	if err != nil {
		return "", fmt.Errorf("%w: invalid destination: %v", ErrTransferRejected, err)
	}

	recent, err := g.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("%w: latest blockhash: %v", ErrTransferRejected, err)
	}

	payer := g.treasury.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, payer, dest).Build(),
			memoInstruction(req.IdempotencyKey, payer),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return "", fmt.Errorf("%w: build transaction: %v", ErrTransferRejected, err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &g.treasury
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("%w: sign transaction: %v", ErrTransferRejected, err)
	}

	sig, err := g.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			// preflight refused the transaction; it was never broadcast
			return "", fmt.Errorf("%w: %s", ErrTransferRejected, rpcErr.Message)
		}
		return "", fmt.Errorf("%w: send transaction: %v", ErrOutcomeUnknown, err)
	}

	g.logger.Info("solana transfer submitted",
		slog.String("signature", sig.String()),
		slog.String("idempotency_key", req.IdempotencyKey),
	)
	return g.awaitConfirmation(ctx, sig)
}

func (g *SolanaGateway) awaitConfirmation(ctx context.Context, sig solana.Signature) (string, error) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		out, err := g.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && out != nil && len(out.Value) == 1 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return "", fmt.Errorf("%w: transaction failed on chain: %v", ErrTransferRejected, st.Err)
			}
			if reachedCommitment(st.ConfirmationStatus, g.cfg.Commitment) {
				return sig.String(), nil
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: signature %s: %v", ErrOutcomeUnknown, sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// LookupTransfer scans the destination's signature history for a memo
// carrying the idempotency key. A memo match only counts once the transaction
// is confirmed to be the treasury's transfer of the queried amount to the
// destination; anyone can attach an arbitrary memo. A transfer is only
// reported absent once its blockhash has expired and the scan reached back
// past the attempt.
func (g *SolanaGateway) LookupTransfer(ctx context.Context, q TransferQuery) (TransferStatus, error) {
	dest, err := solana.PublicKeyFromBase58(q.Destination)
	if err != nil {
		// a malformed destination can never have received a transfer
		return TransferStatus{State: StateAbsent}, nil
	}
	lamports, err := toLamports(q.Amount)
	if err != nil {
		return TransferStatus{State: StateAbsent}, nil
	}

	limit := g.cfg.LookupLimit
	opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit, Commitment: g.cfg.Commitment}
	coveredAttempt := false
	for page := 0; page < g.cfg.LookupPages; page++ {
		sigs, err := g.client.GetSignaturesForAddressWithOpts(ctx, dest, opts)
		if err != nil {
			return TransferStatus{}, fmt.Errorf("signatures for %s: %w", dest, err)
		}
		for _, s := range sigs {
			if !memoMatches(s.Memo, q.IdempotencyKey) {
				continue
			}
			ours, failed, err := g.verifyTransfer(ctx, s.Signature, dest, lamports)
			if err != nil {
				return TransferStatus{}, err
			}
			if !ours {
				g.logger.Warn("memo matches withdrawal but transfer does not",
					slog.String("signature", s.Signature.String()),
					slog.String("idempotency_key", q.IdempotencyKey),
				)
				continue
			}
			if failed || s.Err != nil {
				return TransferStatus{State: StateAbsent}, nil
			}
			return TransferStatus{State: StateSettled, Reference: s.Signature.String()}, nil
		}
		if len(sigs) < limit {
			coveredAttempt = true
			break
		}
		last := sigs[len(sigs)-1]
		if last.BlockTime != nil && last.BlockTime.Time().Before(q.AttemptedAt) {
			coveredAttempt = true
			break
		}
		opts.Before = last.Signature
	}

	if coveredAttempt && time.Since(q.AttemptedAt) > g.cfg.BlockhashTTL {
		return TransferStatus{State: StateAbsent}, nil
	}
	return TransferStatus{State: StateUnknown}, nil
}

// verifyTransfer reports whether sig is a treasury-paid system transfer of
// exactly lamports to dest, and whether it failed on chain.
func (g *SolanaGateway) verifyTransfer(ctx context.Context, sig solana.Signature, dest solana.PublicKey, lamports uint64) (ours, failed bool, err error) {
	version := uint64(0)
	out, err := g.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     g.cfg.Commitment,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return false, false, fmt.Errorf("get transaction %s: %w", sig, err)
	}
	if out == nil || out.Transaction == nil {
		return false, false, nil
	}
	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return false, false, fmt.Errorf("decode transaction %s: %w", sig, err)
	}
	failed = out.Meta != nil && out.Meta.Err != nil
	return paysFromTreasury(tx, g.treasury.PublicKey(), dest, lamports), failed, nil
}

// paysFromTreasury checks the fee payer and looks for a system transfer
// instruction moving lamports from the treasury to dest.
func paysFromTreasury(tx *solana.Transaction, treasury, dest solana.PublicKey, lamports uint64) bool {
	keys := tx.Message.AccountKeys
	if len(keys) == 0 || !keys[0].Equals(treasury) {
		return false
	}
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) || !keys[inst.ProgramIDIndex].Equals(solana.SystemProgramID) {
			continue
		}
		metas := make([]*solana.AccountMeta, 0, len(inst.Accounts))
		resolved := true
		for _, idx := range inst.Accounts {
			if int(idx) >= len(keys) {
				resolved = false
				break
			}
			metas = append(metas, solana.Meta(keys[idx]))
		}
		if !resolved {
			continue
		}
		decoded, err := system.DecodeInstruction(metas, inst.Data)
		if err != nil {
			continue
		}
		transfer, ok := decoded.Impl.(*system.Transfer)
		if !ok || transfer.Lamports == nil || *transfer.Lamports != lamports || len(transfer.AccountMetaSlice) < 2 {
			continue
		}
		if transfer.GetFundingAccount().PublicKey.Equals(treasury) &&
			transfer.GetRecipientAccount().PublicKey.Equals(dest) {
			return true
		}
	}
	return false
}

func memoInstruction(key string, signer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.Meta(signer).SIGNER()},
		[]byte(key),
	)
}

// memoMatches compares an RPC memo field against the key. Nodes report memos
// as "[len] text", joined by "; " when a transaction has several.
func memoMatches(memo *string, key string) bool {
	if memo == nil || key == "" {
		return false
	}
	for _, part := range strings.Split(*memo, "; ") {
		part = strings.TrimSpace(part)
		if i := strings.Index(part, "] "); strings.HasPrefix(part, "[") && i > 0 {
			part = part[i+2:]
		}
		if part == key {
			return true
		}
	}
	return false
}

func toLamports(amount decimal.Decimal) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("amount %s must be positive", amount)
	}
	lamports := amount.Mul(decimal.NewFromInt(lamportsPerSOL))
	if !lamports.IsInteger() {
		return 0, fmt.Errorf("amount %s is finer than one lamport", amount)
	}
	if !lamports.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %s overflows lamports", amount)
	}
	return lamports.BigInt().Uint64(), nil
}

func reachedCommitment(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return want != rpc.CommitmentFinalized
	default:
		return false
	}
}
