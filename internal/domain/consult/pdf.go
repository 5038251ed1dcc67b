package consult

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/symptomlog/api/internal/domain/conversation"
	"github.com/symptomlog/api/internal/domain/patient"
)

// RenderReportPDF lays out a doctor report on a single A4 page using the
// core Helvetica font, so no font files are needed at runtime.
func RenderReportPDF(p *patient.Patient, report conversation.DoctorReport, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Doctor report", true)
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "Doctor report")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 6, "Generated: "+generatedAt.UTC().Format("2006-01-02 15:04 MST"))
	pdf.Ln(6)
	if p != nil {
		pdf.Cell(0, 6, tr("Patient: "+p.Email))
		pdf.Ln(6)
		pdf.Cell(0, 6, tr(demographics(p)))
		pdf.Ln(6)
		for _, row := range [][2]string{
			{"Allergies", joinOrNone(p.Allergies)},
			{"Chronic diseases", joinOrNone(p.ChronicDiseases)},
			{"Medications", joinOrNone(p.Medications)},
		} {
			pdf.MultiCell(0, 6, tr(row[0]+": "+row[1]), "", "L", false)
		}
	}
	pdf.Ln(4)

	section := func(title string) {
		pdf.SetFont("Helvetica", "B", 13)
		pdf.Cell(0, 8, title)
		pdf.Ln(9)
		pdf.SetFont("Helvetica", "", 11)
	}

	section("Reason for visit")
	pdf.MultiCell(0, 6, tr(report.Reason), "", "L", false)
	pdf.Ln(4)

	section("History of present illness")
	for _, line := range report.HPILines() {
		pdf.MultiCell(0, 6, tr(line), "", "L", false)
	}
	pdf.Ln(4)

	section("Impression")
	pdf.MultiCell(0, 6, tr(report.Impression), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render report pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func demographics(p *patient.Patient) string {
	age, gender := "unknown", "unknown"
	if p.Age != nil {
		age = fmt.Sprint(*p.Age)
	}
	if p.Gender != nil {
		gender = string(*p.Gender)
	}
	return fmt.Sprintf("Age: %s    Gender: %s", age, gender)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none reported"
	}
	return strings.Join(items, ", ")
}
