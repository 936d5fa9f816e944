package commission

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"jobmarket/logger"
)

const exportSheet = "Commissions"

var exportHeaders = []string{
	"Commission ID",
	"Job ID",
	"Provider ID",
	"Final Amount",
	"Rate %",
	"Commission",
	"Tax",
	"Total Due",
	"Status",
	"Due At",
	"Paid At",
	"Payment Ref",
	"Reminders Sent",
}

// ExportXLSX writes every record created in [from, to) as a workbook. A nil
// bound leaves that side open.
func (e *Engine) ExportXLSX(ctx context.Context, w io.Writer, from, to *time.Time) (int, error) {
	start := time.Now()
	var records []Record
	for page := 1; ; page++ {
		batch, total, err := e.store.List(ctx, e.pool, Filters{From: from, To: to, Page: page, PageSize: 500})
		if err != nil {
			return 0, err
		}
		records = append(records, batch...)
		if len(batch) == 0 || len(records) >= total {
			break
		}
	}

	f, err := buildWorkbook(records)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("commission: write xlsx: %w", err)
	}

	logger.WithContext(ctx, e.log).Info("commission: export written",
		"rows", len(records), "elapsed_ms", time.Since(start).Milliseconds())
	return len(records), nil
}

func buildWorkbook(records []Record) (*excelize.File, error) {
	f := excelize.NewFile()
	if _, err := f.NewSheet(exportSheet); err != nil {
		return nil, fmt.Errorf("commission: new sheet: %w", err)
	}
	idx, _ := f.GetSheetIndex(exportSheet)
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}

	for i, r := range records {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(exportSheet, cell, v)
		}
		write(1, r.ID)
		write(2, r.JobID)
		write(3, r.ProviderID)
		write(4, r.FinalAmount.StringFixed(2))
		write(5, r.Rate.String())
		write(6, r.CommissionAmount.StringFixed(2))
		write(7, r.TaxAmount.StringFixed(2))
		write(8, r.TotalDue.StringFixed(2))
		write(9, string(r.Status))
		write(10, r.DueAt.UTC().Format(time.RFC3339))
		if r.PaidAt != nil {
			write(11, r.PaidAt.UTC().Format(time.RFC3339))
		}
		if r.PaymentRef != nil {
			write(12, *r.PaymentRef)
		}
		write(13, r.RemindersSent)
	}

	_ = f.SetColWidth(exportSheet, "A", "C", 38)
	_ = f.SetColWidth(exportSheet, "D", "I", 14)
	_ = f.SetColWidth(exportSheet, "J", "K", 22)
	_ = f.SetColWidth(exportSheet, "L", "L", 28)
	return f, nil
}
