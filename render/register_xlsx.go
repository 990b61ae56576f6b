package render

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

var registerHeader = []string{
	"Number", "Subject", "Service", "Period", "Due Date", "Status",
	"Base", "Arrears", "Penalty", "Interest", "Total", "Paid", "Balance",
}

// generatedAt is stamped on exports; replaced in tests.
var generatedAt = time.Now

// DemandRegisterXLSX renders demands as a spreadsheet with a summary sheet
// and one row per demand.
func DemandRegisterXLSX(demands []billing.Demand) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	demandSheet := "demands"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(demandSheet); err != nil {
		return nil, err
	}

	for i, h := range registerHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(demandSheet, cell, h)
	}

	var total, paid, balance billing.Money
	byStatus := map[billing.Status]int{}
	for i, d := range demands {
		row := i + 2
		values := []any{
			d.Number, int64(d.SubjectID), string(d.ServiceType), d.Period,
			d.DueDate.Format("2006-01-02"), string(d.Status),
			d.BaseAmount.InexactFloat64(), d.ArrearsAmount.InexactFloat64(),
			d.PenaltyAmount.InexactFloat64(), d.InterestAmount.InexactFloat64(),
			d.TotalAmount.InexactFloat64(), d.PaidAmount.InexactFloat64(), d.BalanceAmount.InexactFloat64(),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(demandSheet, cell, v)
		}
		total = total.Add(d.TotalAmount)
		paid = paid.Add(d.PaidAmount)
		balance = balance.Add(d.BalanceAmount)
		byStatus[d.Status]++
	}

	_ = f.SetCellValue(summarySheet, "A1", "Demand Register")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generatedAt().UTC().Format("2006-01-02 15:04:05"))
	_ = f.SetCellValue(summarySheet, "A4", "Demands")
	_ = f.SetCellValue(summarySheet, "B4", len(demands))
	_ = f.SetCellValue(summarySheet, "A5", "Total")
	_ = f.SetCellValue(summarySheet, "B5", billing.Round2(total).StringFixed(2))
	_ = f.SetCellValue(summarySheet, "A6", "Paid")
	_ = f.SetCellValue(summarySheet, "B6", billing.Round2(paid).StringFixed(2))
	_ = f.SetCellValue(summarySheet, "A7", "Outstanding")
	_ = f.SetCellValue(summarySheet, "B7", billing.Round2(balance).StringFixed(2))
	row := 9
	for _, s := range []billing.Status{billing.StatusPending, billing.StatusPartiallyPaid, billing.StatusOverdue, billing.StatusPaid, billing.StatusCancelled} {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), string(s))
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), byStatus[s])
		row++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
