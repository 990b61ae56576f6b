// Package render produces notice documents and demand register exports.
package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

var noticeTitles = map[billing.NoticeType]string{
	billing.NoticeReminder:     "Payment Reminder",
	billing.NoticeDemand:       "Demand Notice",
	billing.NoticePenalty:      "Penalty Notice",
	billing.NoticeFinalWarrant: "Final Warrant",
}

func rs(m billing.Money) string { return "Rs. " + m.StringFixed(2) }

// BuildNoticePDF renders a one-page notice for a demand.
func BuildNoticePDF(n billing.Notice, d billing.Demand) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(n.Number, false)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(0, 8, noticeTitles[n.NoticeType])
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Notice No: %s", n.Number))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Issued: %s", n.CreatedAt.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Demand No: %s (%s, %s)", d.Number, d.ServiceType, d.Period))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Subject: %d", d.SubjectID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Due Date: %s", d.DueDate.Format("2006-01-02")))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(70, 6, "Component", "1", 0, "L", false, 0, "")
	pdf.CellFormat(50, 6, "Amount", "1", 0, "R", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, row := range []struct {
		label  string
		amount billing.Money
	}{
		{"Base", d.BaseAmount},
		{"Arrears", d.ArrearsAmount},
		{"Penalty", d.PenaltyAmount},
		{"Interest", d.InterestAmount},
		{"Total", d.TotalAmount},
		{"Paid", d.PaidAmount},
		{"Balance Due", d.BalanceAmount},
	} {
		pdf.CellFormat(70, 6, row.label, "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, rs(row.amount), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	pdf.Ln(6)
	pdf.MultiCell(0, 5, fmt.Sprintf(
		"You are requested to pay the balance of %s against demand %s. "+
			"Penalty and daily interest continue to accrue on overdue amounts.",
		rs(d.BalanceAmount), d.Number), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PDFRenderer writes one PDF per issued notice into Dir.
type PDFRenderer struct {
	Dir string
}

func NewPDFRenderer(dir string) (*PDFRenderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("render: create notice dir: %w", err)
	}
	return &PDFRenderer{Dir: dir}, nil
}

// Path returns where the PDF for a notice number is written.
func (r *PDFRenderer) Path(number string) string {
	return filepath.Join(r.Dir, strings.ReplaceAll(number, string(filepath.Separator), "_")+".pdf")
}

func (r *PDFRenderer) Render(ctx context.Context, n billing.Notice, d billing.Demand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := BuildNoticePDF(n, d)
	if err != nil {
		return fmt.Errorf("render: build %s: %w", n.Number, err)
	}
	tmp := r.Path(n.Number) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("render: write %s: %w", n.Number, err)
	}
	return os.Rename(tmp, r.Path(n.Number))
}

var _ billing.NoticeRenderer = (*PDFRenderer)(nil)
