// Package export renders booking lists as spreadsheets.
package export

import (
	"fmt"
	"io"
	"time"

	"homestay/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	SheetName   = "Bookings"
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var headers = []string{
	"Booking", "Listing", "Guest", "Check-in", "Check-out", "Nights", "Guests", "Total", "Status", "Payment", "Created",
}

// WriteBookings writes one row per booking, newest stay first as given, to w.
func WriteBookings(w io.Writer, bookings []*models.Booking, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	_ = f.SetCellValue(SheetName, "A1", "Generated "+generatedAt.UTC().Format("2006-01-02 15:04")+" UTC")
	titleStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 12}})
	_ = f.SetCellStyle(SheetName, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(SheetName, cell, h)
		_ = f.SetCellStyle(SheetName, cell, cell, headerStyle)
	}

	for i, b := range bookings {
		row := i + 3
		values := []interface{}{
			b.ID,
			b.ListingID,
			b.GuestID,
			b.CheckIn.Format(models.DateLayout),
			b.CheckOut.Format(models.DateLayout),
			b.Nights(),
			b.Guests,
			b.TotalPrice,
			string(b.Status),
			string(b.PaymentStatus),
			b.CreatedAt.UTC().Format("2006-01-02 15:04"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return fmt.Errorf("error writing cell %s: %w", cell, err)
			}
		}
		if style, ok := statusStyle(f, b.Status); ok {
			cell, _ := excelize.CoordinatesToCellName(9, row)
			_ = f.SetCellStyle(SheetName, cell, cell, style)
		}
	}

	_ = f.SetColWidth(SheetName, "A", "C", 12)
	_ = f.SetColWidth(SheetName, "D", "E", 14)
	_ = f.SetColWidth(SheetName, "I", "K", 18)
	_ = f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 2, TopLeftCell: "A3", ActivePane: "bottomLeft"})

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

func statusStyle(f *excelize.File, status models.Status) (int, bool) {
	var color string
	switch status {
	case models.StatusConfirmed:
		color = "#E2EFDA"
	case models.StatusPending:
		color = "#FFF2CC"
	case models.StatusCancelled:
		color = "#F8CBAD"
	default:
		return 0, false
	}
	style, err := f.NewStyle(&excelize.Style{Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1}})
	return style, err == nil
}
