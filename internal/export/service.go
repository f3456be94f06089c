// Package export renders an account's ledger as an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
)

// TransactionSource lists an account's transactions in append order.
// services.EscrowLedger implements it.
type TransactionSource interface {
	Transactions(ctx context.Context, accountID string) ([]domain.Transaction, error)
}

const (
	sheetLedger  = "Ledger"
	sheetSummary = "Summary"
)

// Service produces XLSX bytes for ledger exports.
type Service struct {
	ledger TransactionSource
	logger *slog.Logger
}

func NewService(ledger TransactionSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, logger: logger}
}

// ExportLedgerXLSX returns a workbook with one row per transaction of
// accountID whose creation date falls in [from, to] (both optional, inclusive
// by calendar day, UTC) and a per-type summary sheet.
func (s *Service) ExportLedgerXLSX(ctx context.Context, accountID string, from, to *time.Time) ([]byte, error) {
	start := time.Now()

	txns, err := s.ledger.Transactions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	txns = filterByDay(txns, from, to)

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetLedger); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return nil, err
	}

	headers := []string{"Date", "Type", "Job", "Amount", "Balance After", "Reference", "Transaction ID"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetLedger, cell, h)
	}

	totals := map[domain.TransactionType]decimal.Decimal{}
	counts := map[domain.TransactionType]int{}
	row := 2
	for _, txn := range txns {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheetLedger, cell, v)
		}

		write(1, txn.CreatedAt.UTC().Format(time.RFC3339))
		write(2, string(txn.Type))
		if txn.JobID != nil {
			write(3, string(*txn.JobID))
		}
		write(4, txn.Amount.StringFixed(2))
		if txn.BalanceAfter.Valid {
			write(5, txn.BalanceAfter.Decimal.StringFixed(2))
		}
		write(6, txn.Reference)
		write(7, txn.ID)

		totals[txn.Type] = totals[txn.Type].Add(txn.Amount)
		counts[txn.Type]++
		row++
	}

	_ = f.SetCellValue(sheetSummary, "A1", "Account")
	_ = f.SetCellValue(sheetSummary, "B1", accountID)
	_ = f.SetCellValue(sheetSummary, "A3", "Type")
	_ = f.SetCellValue(sheetSummary, "B3", "Count")
	_ = f.SetCellValue(sheetSummary, "C3", "Total")
	sumRow := 4
	for _, typ := range []domain.TransactionType{domain.TxDeposit, domain.TxDeduction, domain.TxRefund, domain.TxPayout} {
		if counts[typ] == 0 {
			continue
		}
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("A%d", sumRow), string(typ))
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("B%d", sumRow), counts[typ])
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("C%d", sumRow), totals[typ].StringFixed(2))
		sumRow++
	}

	_ = f.SetColWidth(sheetLedger, "A", "A", 22) // date
	_ = f.SetColWidth(sheetLedger, "B", "B", 12) // type
	_ = f.SetColWidth(sheetLedger, "C", "C", 38) // job
	_ = f.SetColWidth(sheetLedger, "D", "E", 14) // amounts
	_ = f.SetColWidth(sheetLedger, "F", "G", 40) // refs

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("ledger export written",
		"account_id", accountID,
		"rows", len(txns),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func filterByDay(txns []domain.Transaction, from, to *time.Time) []domain.Transaction {
	if from == nil && to == nil {
		return txns
	}
	day := func(t time.Time) time.Time {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	out := make([]domain.Transaction, 0, len(txns))
	for _, txn := range txns {
		d := day(txn.CreatedAt)
		if from != nil && d.Before(day(*from)) {
			continue
		}
		if to != nil && d.After(day(*to)) {
			continue
		}
		out = append(out, txn)
	}
	return out
}
