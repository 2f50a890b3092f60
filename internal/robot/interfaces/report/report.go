// Package report renders a finished run and its command log as PDF or XLSX.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	robot "ot2-driver/internal/robot/domain"
)

const timeLayout = time.RFC3339

// BuildRunPDF renders a minimal PDF for a run record.
func BuildRunPDF(record robot.RunRecord) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "OT-2 Run Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, line := range summaryRows(record) {
		pdf.Cell(0, 6, fmt.Sprintf("%s: %s", line[0], line[1]))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(10, 6, "#", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Command", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Intent", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Created", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for i, cmd := range record.Commands {
		pdf.CellFormat(10, 6, fmt.Sprintf("%d", i+1), "1", 0, "R", false, 0, "")
		pdf.CellFormat(60, 6, cmd.CommandType, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, string(cmd.Intent), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, cmd.Status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(60, 6, formatTime(cmd.CreatedAt), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRunXLSX renders a summary sheet and a commands sheet.
func BuildRunXLSX(record robot.RunRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	commandsSheet := "commands"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(commandsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "OT-2 Run Report")
	for i, line := range summaryRows(record) {
		row := i + 3
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), line[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), line[1])
	}

	_ = f.SetCellValue(commandsSheet, "A1", "Command ID")
	_ = f.SetCellValue(commandsSheet, "B1", "Command")
	_ = f.SetCellValue(commandsSheet, "C1", "Intent")
	_ = f.SetCellValue(commandsSheet, "D1", "Status")
	_ = f.SetCellValue(commandsSheet, "E1", "Params")
	_ = f.SetCellValue(commandsSheet, "F1", "Created")
	for i, cmd := range record.Commands {
		row := i + 2
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("A%d", row), cmd.ID)
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("B%d", row), cmd.CommandType)
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("C%d", row), string(cmd.Intent))
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("D%d", row), cmd.Status)
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("E%d", row), string(cmd.Params))
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("F%d", row), formatTime(cmd.CreatedAt))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func summaryRows(record robot.RunRecord) [][2]string {
	rows := [][2]string{
		{"Run", record.Run.ID},
		{"Protocol", record.Run.ProtocolID},
		{"Status", string(record.Run.Status)},
		{"Reported status", record.Run.RawStatus},
		{"Created", formatTime(record.Run.CreatedAt)},
		{"Commands", fmt.Sprintf("%d", len(record.Commands))},
	}
	if record.Error != "" {
		rows = append(rows, [2]string{"Error", record.Error})
	}
	return rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
