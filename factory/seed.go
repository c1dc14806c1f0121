/*
Package factory provides YAML to ledger configuration conversion.

PURPOSE:
  Converts a YAML seed document into accounts, financial periods, approval
  workflows and budget allocations, and applies them through the ledger
  services. Bursars can describe a school's chart and calendar in a file,
  and the factory creates the proper records.

WHY YAML?
  - Non-developers can edit the chart of accounts
  - Comments alongside thresholds and budgets
  - Version control for school configuration

YAML SCHEMA:
  accounts:
    - {code: "1010", name: Cash on Hand, type: ASSET, system: true}
  periods:
    - {name: Term 1 2025, start: 2025-01-01, end: 2025-04-30, fiscal_year: 2025}
  workflows:
    - transaction_type: expense
      level_1_threshold: 50000
      level_1_role: bursar
      level_2_threshold: 500000
      level_2_role: principal
      auto_approve_below_level_1: true
  budgets:
    - {account_code: "5200", fiscal_year: 2025, department: science, allocated: 500000}

KEY FEATURES:
  - Unknown keys are rejected
  - Re-applying the same document is a no-op
  - Amounts are integer cents

USAGE:
  seed, err := factory.LoadSeedFile("seed.yaml")
  seeder := factory.NewSeeder(chart, periods, approvals, budgets, logger)
  report, err := seeder.Apply(ctx, seed, ledger.SystemActor)

SEE ALSO:
  - default_seed.yaml: the standard school chart
  - postings/types.go: account roles the posting builders rely on
*/
package factory

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/warp/school-ledger/ledger"
)

//go:embed default_seed.yaml
var defaultSeed []byte

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// Seed is the YAML representation of a school's ledger configuration.
type Seed struct {
	Accounts  []AccountYAML  `yaml:"accounts"`
	Periods   []PeriodYAML   `yaml:"periods"`
	Workflows []WorkflowYAML `yaml:"workflows"`
	Budgets   []BudgetYAML   `yaml:"budgets"`
}

// AccountYAML represents one chart-of-accounts row.
type AccountYAML struct {
	Code          string `yaml:"code"`
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	NormalBalance string `yaml:"normal_balance,omitempty"` // derived from type when empty
	System        bool   `yaml:"system,omitempty"`
}

// PeriodYAML represents a financial period.
type PeriodYAML struct {
	Name       string      `yaml:"name"`
	Start      ledger.Date `yaml:"start"`
	End        ledger.Date `yaml:"end"`
	FiscalYear int         `yaml:"fiscal_year,omitempty"` // start year when omitted
}

// WorkflowYAML represents approval thresholds for one transaction type.
type WorkflowYAML struct {
	TransactionType        string `yaml:"transaction_type"`
	Level1Threshold        int64  `yaml:"level_1_threshold"`
	Level1Role             string `yaml:"level_1_role"`
	Level2Threshold        int64  `yaml:"level_2_threshold"`
	Level2Role             string `yaml:"level_2_role"`
	RequiresDualApproval   bool   `yaml:"requires_dual_approval,omitempty"`
	AutoApproveBelowLevel1 bool   `yaml:"auto_approve_below_level_1,omitempty"`
}

// BudgetYAML represents an annual allocation.
type BudgetYAML struct {
	AccountCode string  `yaml:"account_code"`
	FiscalYear  int     `yaml:"fiscal_year"`
	Department  *string `yaml:"department,omitempty"`
	Allocated   int64   `yaml:"allocated"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseSeed decodes a YAML seed document. Unknown keys are errors.
func ParseSeed(data []byte) (*Seed, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Seed
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return &s, nil
		}
		return nil, fmt.Errorf("invalid seed document: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSeedFile reads and parses a seed document from disk.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// DefaultSeed returns the built-in school chart, calendar and workflows.
func DefaultSeed() *Seed {
	s, err := ParseSeed(defaultSeed)
	if err != nil {
		panic(fmt.Sprintf("embedded default seed is invalid: %v", err))
	}
	return s
}

func (s *Seed) validate() error {
	codes := make(map[string]bool, len(s.Accounts))
	for i, a := range s.Accounts {
		if a.Code == "" || a.Name == "" {
			return fmt.Errorf("%w: account #%d needs code and name", ledger.ErrValidation, i+1)
		}
		if !ledger.AccountType(a.Type).Valid() {
			return fmt.Errorf("%w: account %s has unknown type %q", ledger.ErrValidation, a.Code, a.Type)
		}
		if codes[a.Code] {
			return fmt.Errorf("%w: account %s listed twice", ledger.ErrValidation, a.Code)
		}
		codes[a.Code] = true
	}
	for i, p := range s.Periods {
		if p.Name == "" || p.Start.IsZero() || p.End.IsZero() {
			return fmt.Errorf("%w: period #%d needs name, start and end", ledger.ErrValidation, i+1)
		}
	}
	for _, w := range s.Workflows {
		if err := w.toWorkflow().Validate(); err != nil {
			return err
		}
	}
	for i := range s.Budgets {
		b := &s.Budgets[i]
		if b.Department != nil && *b.Department == "" {
			b.Department = nil
		}
		if b.AccountCode == "" || b.FiscalYear <= 0 || b.Allocated < 0 {
			return fmt.Errorf("%w: budget #%d needs account_code, fiscal_year and a non-negative amount", ledger.ErrValidation, i+1)
		}
	}
	return nil
}

func (a AccountYAML) toAccount() ledger.Account {
	return ledger.Account{
		Code:          ledger.AccountCode(a.Code),
		Name:          a.Name,
		Type:          ledger.AccountType(a.Type),
		NormalBalance: ledger.NormalBalance(a.NormalBalance),
		IsSystem:      a.System,
	}
}

func (w WorkflowYAML) toWorkflow() ledger.ApprovalWorkflow {
	return ledger.ApprovalWorkflow{
		TransactionType:        w.TransactionType,
		Level1Threshold:        ledger.Money(w.Level1Threshold),
		Level1Role:             w.Level1Role,
		Level2Threshold:        ledger.Money(w.Level2Threshold),
		Level2Role:             w.Level2Role,
		RequiresDualApproval:   w.RequiresDualApproval,
		AutoApproveBelowLevel1: w.AutoApproveBelowLevel1,
	}
}

// =============================================================================
// APPLYING
// =============================================================================

// SeedReport counts what Apply created.
type SeedReport struct {
	Accounts  int `json:"accounts"`
	Periods   int `json:"periods"`
	Workflows int `json:"workflows"`
	Budgets   int `json:"budgets"`
}

// Seeder applies seed documents through the ledger services, so every
// record passes the same validation and audit trail as an API call.
type Seeder struct {
	chart     *ledger.ChartService
	periods   *ledger.PeriodService
	approvals *ledger.ApprovalService
	budgets   *ledger.BudgetService
	logger    *slog.Logger
}

func NewSeeder(chart *ledger.ChartService, periods *ledger.PeriodService, approvals *ledger.ApprovalService, budgets *ledger.BudgetService, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{chart: chart, periods: periods, approvals: approvals, budgets: budgets, logger: logger}
}

// Apply creates whatever in s does not exist yet. Existing accounts and
// identical periods are skipped; workflows are upserted; a budget is only
// saved when the active allocation for its scope differs.
func (sd *Seeder) Apply(ctx context.Context, s *Seed, actor ledger.Actor) (SeedReport, error) {
	var rep SeedReport

	existing, err := sd.chart.ListAccounts(ctx)
	if err != nil {
		return rep, err
	}
	have := make(map[ledger.AccountCode]bool, len(existing))
	for _, a := range existing {
		have[a.Code] = true
	}
	for _, a := range s.Accounts {
		if have[ledger.AccountCode(a.Code)] {
			continue
		}
		if _, err := sd.chart.CreateAccount(ctx, a.toAccount(), actor); err != nil {
			return rep, fmt.Errorf("seed account %s: %w", a.Code, err)
		}
		rep.Accounts++
	}

	periods, err := sd.periods.ListPeriods(ctx)
	if err != nil {
		return rep, err
	}
	for _, p := range s.Periods {
		if samePeriodExists(periods, p) {
			continue
		}
		if _, err := sd.periods.CreatePeriod(ctx, p.Name, p.Start, p.End, p.FiscalYear, actor); err != nil {
			return rep, fmt.Errorf("seed period %s: %w", p.Name, err)
		}
		rep.Periods++
	}

	for _, w := range s.Workflows {
		cur, err := sd.approvals.GetWorkflow(ctx, w.TransactionType)
		if err != nil && !ledger.IsNotFound(err) {
			return rep, err
		}
		if cur != nil && *cur == w.toWorkflow() {
			continue
		}
		if _, err := sd.approvals.SaveWorkflow(ctx, w.toWorkflow(), actor); err != nil {
			return rep, fmt.Errorf("seed workflow %s: %w", w.TransactionType, err)
		}
		rep.Workflows++
	}

	for _, b := range s.Budgets {
		active, err := sd.budgets.ListAllocations(ctx, b.FiscalYear)
		if err != nil {
			return rep, err
		}
		if sameBudgetActive(active, b) {
			continue
		}
		if _, err := sd.budgets.SaveAllocation(ctx, ledger.BudgetAllocation{
			AccountCode: ledger.AccountCode(b.AccountCode),
			FiscalYear:  b.FiscalYear,
			Department:  b.Department,
			Allocated:   ledger.Money(b.Allocated),
		}, actor); err != nil {
			return rep, fmt.Errorf("seed budget %s/%d: %w", b.AccountCode, b.FiscalYear, err)
		}
		rep.Budgets++
	}

	sd.logger.Info("seed applied",
		slog.Int("accounts", rep.Accounts),
		slog.Int("periods", rep.Periods),
		slog.Int("workflows", rep.Workflows),
		slog.Int("budgets", rep.Budgets))
	return rep, nil
}

func samePeriodExists(periods []ledger.FinancialPeriod, p PeriodYAML) bool {
	for _, e := range periods {
		if e.Name == p.Name && e.StartDate.Equal(p.Start) && e.EndDate.Equal(p.End) {
			return true
		}
	}
	return false
}

func sameBudgetActive(active []ledger.BudgetAllocation, b BudgetYAML) bool {
	for _, a := range active {
		if string(a.AccountCode) != b.AccountCode || a.FiscalYear != b.FiscalYear {
			continue
		}
		if !sameDepartment(a.Department, b.Department) {
			continue
		}
		return int64(a.Allocated) == b.Allocated
	}
	return false
}

func sameDepartment(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
