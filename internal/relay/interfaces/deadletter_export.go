package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	relay "robot-relay/internal/relay/domain"
)

const pdfPayloadWidth = 60

// BuildDeadLetterPDF renders a minimal PDF report of dead letters.
func BuildDeadLetterPDF(letters []relay.DeadLetter, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Robot Relay Dead Letters")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Entries: %d", len(letters)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(40, 6, "Occurred", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Kind", "1", 0, "C", false, 0, "")
	pdf.CellFormat(32, 6, "Topic", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Key", "1", 0, "C", false, 0, "")
	pdf.CellFormat(16, 6, "Attempts", "1", 0, "C", false, 0, "")
	pdf.CellFormat(pdfPayloadWidth, 6, "Payload", "1", 0, "C", false, 0, "")
	pdf.CellFormat(67, 6, "Error", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, letter := range letters {
		pdf.CellFormat(40, 6, letter.OccurredAt.UTC().Format(time.RFC3339), "1", 0, "L", false, 0, "")
		pdf.CellFormat(22, 6, string(letter.Kind), "1", 0, "L", false, 0, "")
		pdf.CellFormat(32, 6, letter.Topic.String(), "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, truncate(letter.Key, 24), "1", 0, "L", false, 0, "")
		pdf.CellFormat(16, 6, fmt.Sprintf("%d", letter.Attempts), "1", 0, "R", false, 0, "")
		pdf.CellFormat(pdfPayloadWidth, 6, truncate(string(letter.Payload), 40), "1", 0, "L", false, 0, "")
		pdf.CellFormat(67, 6, truncate(letter.Error, 45), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildDeadLetterXLSX renders dead letters into a workbook with a summary
// sheet and one row per letter.
func BuildDeadLetterXLSX(letters []relay.DeadLetter, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	lettersSheet := "dead_letters"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(lettersSheet); err != nil {
		return nil, err
	}

	counts := make(map[relay.DeadLetterKind]int)
	for _, letter := range letters {
		counts[letter.Kind]++
	}
	_ = f.SetCellValue(summarySheet, "A1", "Robot Relay Dead Letters")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generatedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Total")
	_ = f.SetCellValue(summarySheet, "B4", len(letters))
	_ = f.SetCellValue(summarySheet, "A5", "Publish")
	_ = f.SetCellValue(summarySheet, "B5", counts[relay.DeadLetterPublish])
	_ = f.SetCellValue(summarySheet, "A6", "Complete")
	_ = f.SetCellValue(summarySheet, "B6", counts[relay.DeadLetterComplete])
	_ = f.SetCellValue(summarySheet, "A7", "Forward")
	_ = f.SetCellValue(summarySheet, "B7", counts[relay.DeadLetterForward])

	headers := []string{"ID", "Occurred", "Kind", "Topic", "Key", "Attempts", "Payload", "Error"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(lettersSheet, cell, header)
	}
	for i, letter := range letters {
		row := i + 2
		_ = f.SetCellValue(lettersSheet, fmt.Sprintf("A%d", row), letter.ID)
		_ = f.SetCellValue(lettersSheet, fmt.Sprintf("B%d", row), letter.OccurredAt.UTC().Format(time.RFC3339))
		_ = f.SetCellValue(lettersSheet, fmt.Sprintf("C%d", row), string(letter.Kind))
		_ = f.SetCellValue(lettersSheet, fmt.Sprintf("D%d", row), letter.Topic.String())
		_ = f.SetCellValue(lettersSheet, fmt.Sprintf("E%d", row), letter.Key)
		_ = f.SetCellValue(lettersSheet, fmt.Sprintf("F%d", row), letter.Attempts)
		_ = f.SetCellValue(lettersSheet, fmt.Sprintf("G%d", row), string(letter.Payload))
		_ = f.SetCellValue(lettersSheet, fmt.Sprintf("H%d", row), letter.Error)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-3]) + "..."
}
