package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
)

type staticLedger struct {
	txns []domain.Transaction
	err  error
}

func (l staticLedger) Transactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	return l.txns, l.err
}

func TestExportLedgerXLSX(t *testing.T) {
	day1 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	jobID := domain.JobID("j-1")

	dep := domain.NewTransaction("req-1", nil, domain.TxDeposit, decimal.RequireFromString("100"), day1)
	dep.BalanceAfter = decimal.NewNullDecimal(decimal.RequireFromString("100"))
	dep.Reference = "ch_1"
	ded := domain.NewTransaction("req-1", &jobID, domain.TxDeduction, decimal.RequireFromString("50"), day1)
	ded.BalanceAfter = decimal.NewNullDecimal(decimal.RequireFromString("50"))
	ref := domain.NewTransaction("req-1", &jobID, domain.TxRefund, decimal.RequireFromString("50"), day2)
	ref.BalanceAfter = decimal.NewNullDecimal(decimal.RequireFromString("100"))

	svc := NewService(staticLedger{txns: []domain.Transaction{dep, ded, ref}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out, err := svc.ExportLedgerXLSX(context.Background(), "req-1", nil, nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetLedger)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Type", rows[0][1])
	assert.Equal(t, []string{"2025-03-01T09:00:00Z", "deposit", "", "100.00", "100.00", "ch_1", dep.ID}, rows[1])
	assert.Equal(t, "j-1", rows[2][2])
	assert.Equal(t, "refund", rows[3][1])

	summary, err := f.GetRows(sheetSummary)
	require.NoError(t, err)
	assert.Equal(t, []string{"Account", "req-1"}, summary[0])
	assert.Equal(t, []string{"deposit", "1", "100.00"}, summary[3])
	assert.Equal(t, []string{"deduction", "1", "50.00"}, summary[4])
	assert.Equal(t, []string{"refund", "1", "50.00"}, summary[5])

	// Day window keeps only the second day.
	out, err = svc.ExportLedgerXLSX(context.Background(), "req-1", &day2, &day2)
	require.NoError(t, err)
	f2, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f2.Close()
	rows, err = f2.GetRows(sheetLedger)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "refund", rows[1][1])
}

func TestExportLedgerXLSX_SourceError(t *testing.T) {
	svc := NewService(staticLedger{err: errors.New("db down")}, nil)
	_, err := svc.ExportLedgerXLSX(context.Background(), "req-1", nil, nil)
	assert.ErrorContains(t, err, "db down")
}
