package render

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

func sampleDemand() billing.Demand {
	due := billing.Date(2024, time.June, 30)
	d := billing.Demand{
		ID: "d-1", Number: "HT-2024-25-00001", SubjectID: 7,
		ServiceType: billing.ServiceHouseTax, Period: "2024-25",
		Charge: billing.NewCharge(billing.MustMoney("1000"), billing.MustMoney("200"), due),
	}
	return d
}

func TestBuildNoticePDF(t *testing.T) {
	n := billing.Notice{ID: "n-1", Number: "NTC-2024-00001", NoticeType: billing.NoticeDemand, CreatedAt: time.Now()}

	data, err := BuildNoticePDF(n, sampleDemand())

	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestPDFRenderer_WritesFile(t *testing.T) {
	r, err := NewPDFRenderer(t.TempDir())
	require.NoError(t, err)
	n := billing.Notice{ID: "n-1", Number: "NTC-2024-00002", NoticeType: billing.NoticeReminder}

	require.NoError(t, r.Render(context.Background(), n, sampleDemand()))

	data, err := os.ReadFile(r.Path(n.Number))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestDemandRegisterXLSX(t *testing.T) {
	generatedAt = func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	defer func() { generatedAt = time.Now }()

	paid := sampleDemand()
	paid.Number = "HT-2024-25-00002"
	paid.PaidAmount = paid.TotalAmount
	paid.BalanceAmount = billing.MustMoney("0")
	paid.Status = billing.StatusPaid

	data, err := DemandRegisterXLSX([]billing.Demand{sampleDemand(), paid})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("demands")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Number", rows[0][0])
	assert.Equal(t, "HT-2024-25-00002", rows[2][0])
	assert.Equal(t, "paid", rows[2][5])

	outstanding, err := f.GetCellValue("summary", "B7")
	require.NoError(t, err)
	assert.Equal(t, "1200.00", outstanding)
	stamp, err := f.GetCellValue("summary", "B3")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01 09:00:00", stamp)
}
