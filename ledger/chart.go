package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// NORMAL BALANCE - Sign convention
// =============================================================================

// NormalBalanceFor returns the conventional normal balance of a type:
// assets and expenses grow with debits, everything else with credits.
func NormalBalanceFor(t AccountType) NormalBalance {
	switch t {
	case AccountAsset, AccountExpense:
		return NormalDebit
	default:
		return NormalCredit
	}
}

// SignedBalance applies the account's sign convention to raw totals.
// DEBIT accounts: debits - credits. CREDIT accounts: credits - debits.
func SignedBalance(nb NormalBalance, debit, credit Money) Money {
	if nb == NormalDebit {
		return debit - credit
	}
	return credit - debit
}

// NetEffect is the signed effect of one line on its account.
func NetEffect(nb NormalBalance, l LineInput) Money {
	return SignedBalance(nb, l.Debit, l.Credit)
}

// =============================================================================
// CHART SERVICE
// =============================================================================

// AccountBalance is the derived balance of one account.
type AccountBalance struct {
	Account Account `json:"account"`
	Debit   Money   `json:"debit"`
	Credit  Money   `json:"credit"`
	Balance Money   `json:"balance"`
}

// TrialBalance lists every account's totals. TotalDebit == TotalCredit
// whenever the ledger is consistent.
type TrialBalance struct {
	Rows        []AccountBalance `json:"rows"`
	TotalDebit  Money            `json:"total_debit"`
	TotalCredit Money            `json:"total_credit"`
}

// ChartService maintains the chart of accounts and derives balances.
type ChartService struct {
	store  Store
	audit  auditor
	logger *slog.Logger
}

// NewChartService builds a chart service. sink and logger may be nil.
func NewChartService(store Store, sink AuditSink, logger *slog.Logger) *ChartService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChartService{
		store:  store,
		audit:  auditor{sink: sink, logger: logger, now: time.Now},
		logger: logger,
	}
}

// CreateAccount adds an account. An empty NormalBalance is derived from the
// type; an explicit one is kept as given.
func (c *ChartService) CreateAccount(ctx context.Context, a Account, actor Actor) (*Account, error) {
	a.Code = AccountCode(strings.TrimSpace(string(a.Code)))
	if a.Code == "" {
		return nil, validationf(ErrInvalidEntry, "account code is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return nil, validationf(ErrInvalidEntry, "account name is required")
	}
	if !a.Type.Valid() {
		return nil, validationf(ErrInvalidEntry, "unknown account type %q", a.Type)
	}
	switch a.NormalBalance {
	case "":
		a.NormalBalance = NormalBalanceFor(a.Type)
	case NormalDebit, NormalCredit:
	default:
		return nil, validationf(ErrInvalidEntry, "unknown normal balance %q", a.NormalBalance)
	}
	a.IsActive = true
	a.CreatedAt = time.Now().UTC()

	err := c.store.WithTx(ctx, func(s Store) error {
		if err := s.InsertAccount(ctx, a); err != nil {
			return err
		}
		c.audit.record(ctx, s, actor.ID, "create", "account", string(a.Code), nil, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("account created", slog.String("code", string(a.Code)), slog.String("type", string(a.Type)))
	return &a, nil
}

// UpdateAccount changes the name or active flag. System accounts cannot be
// deactivated. Code, type and normal balance never change.
func (c *ChartService) UpdateAccount(ctx context.Context, code AccountCode, upd AccountUpdate, actor Actor) (*Account, error) {
	var after *Account
	err := c.store.WithTx(ctx, func(s Store) error {
		before, err := s.GetAccount(ctx, code)
		if err != nil {
			return err
		}
		if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
			return validationf(ErrInvalidEntry, "account name cannot be empty")
		}
		if upd.IsActive != nil && !*upd.IsActive && before.IsSystem {
			return policyf(ErrInvalidEntry, "system account %s cannot be deactivated", code)
		}
		if err := s.UpdateAccount(ctx, code, upd); err != nil {
			return err
		}
		if after, err = s.GetAccount(ctx, code); err != nil {
			return err
		}
		c.audit.record(ctx, s, actor.ID, "update", "account", string(code), before, after)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// ListAccounts returns the chart ordered by code.
func (c *ChartService) ListAccounts(ctx context.Context) ([]Account, error) {
	return c.store.ListAccounts(ctx)
}

// Balance returns an account's totals and signed balance over [from, to].
func (c *ChartService) Balance(ctx context.Context, code AccountCode, from, to *Date) (*AccountBalance, error) {
	acc, err := c.store.GetAccount(ctx, code)
	if err != nil {
		return nil, err
	}
	debit, credit, err := c.store.AccountActivity(ctx, ActivityFilter{AccountCode: code, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("failed to sum activity for %s: %w", code, err)
	}
	return &AccountBalance{
		Account: *acc,
		Debit:   debit,
		Credit:  credit,
		Balance: SignedBalance(acc.NormalBalance, debit, credit),
	}, nil
}

// TrialBalance computes totals for every account in the chart.
func (c *ChartService) TrialBalance(ctx context.Context, from, to *Date) (*TrialBalance, error) {
	accounts, err := c.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	activity, err := c.store.ActivityByAccount(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to sum activity: %w", err)
	}

	tb := &TrialBalance{Rows: make([]AccountBalance, 0, len(accounts))}
	for _, a := range accounts {
		sums := activity[a.Code]
		tb.Rows = append(tb.Rows, AccountBalance{
			Account: a,
			Debit:   sums[0],
			Credit:  sums[1],
			Balance: SignedBalance(a.NormalBalance, sums[0], sums[1]),
		})
		tb.TotalDebit += sums[0]
		tb.TotalCredit += sums[1]
	}
	sort.Slice(tb.Rows, func(i, j int) bool { return tb.Rows[i].Account.Code < tb.Rows[j].Account.Code })
	return tb, nil
}
