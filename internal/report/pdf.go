package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/fraudlab/ringtrace/internal/models"
)

type pdfDoc struct {
	pdf *gofpdf.Fpdf
}

func newPDFDoc(title string) *pdfDoc {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(33, 37, 41)
	pdf.CellFormat(0, 15, title, "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(108, 117, 125)
	pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", time.Now().Format("January 2, 2006 3:04 PM")), "", 1, "C", false, 0, "")
	pdf.Ln(10)

	return &pdfDoc{pdf: pdf}
}

func (d *pdfDoc) section(title string) {
	d.pdf.SetFont("Arial", "B", 14)
	d.pdf.SetTextColor(33, 37, 41)
	d.pdf.SetFillColor(240, 240, 240)
	d.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	d.pdf.Ln(5)
}

func (d *pdfDoc) paragraph(text string) {
	d.pdf.SetFont("Arial", "", 10)
	d.pdf.SetTextColor(33, 37, 41)
	d.pdf.MultiCell(0, 6, text, "", "L", false)
	d.pdf.Ln(5)
}

func (d *pdfDoc) bullet(text string) {
	d.pdf.SetFont("Arial", "", 10)
	d.pdf.SetTextColor(33, 37, 41)
	d.pdf.MultiCell(0, 6, "- "+text, "", "L", false)
}

func (d *pdfDoc) table(headers []string, rows [][]string) {
	pageWidth := 180.0
	colWidth := pageWidth / float64(len(headers))

	d.pdf.SetFont("Arial", "B", 9)
	d.pdf.SetFillColor(52, 58, 64)
	d.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		d.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	d.pdf.Ln(-1)

	d.pdf.SetFont("Arial", "", 9)
	d.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			d.pdf.SetFillColor(248, 249, 250)
		} else {
			d.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			if len(cell) > 25 {
				cell = cell[:22] + "..."
			}
			d.pdf.CellFormat(colWidth, 7, cell, "1", 0, "L", true, 0, "")
		}
		d.pdf.Ln(-1)
		fill = !fill
	}

	d.pdf.Ln(5)
}

func (d *pdfDoc) output() ([]byte, error) {
	d.pdf.SetFooterFunc(func() {
		d.pdf.SetY(-15)
		d.pdf.SetFont("Arial", "I", 8)
		d.pdf.SetTextColor(128, 128, 128)
		d.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", d.pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("generating PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// CasePDF renders a completed case as a downloadable PDF built from the
// evidence summary, independent of the markdown narrative.
func CasePDF(c *models.Case) ([]byte, error) {
	if c.Evidence == nil {
		return nil, fmt.Errorf("case %s has no evidence summary", c.ID)
	}
	ev := c.Evidence

	doc := newPDFDoc(fmt.Sprintf("Fraud Ring Investigation: %s", c.SuspectAccountID))

	doc.section("Summary")
	doc.paragraph(fmt.Sprintf(
		"Investigation of account %s identified %d coordinated ring member(s) with connectivity density %.2f and average risk score %.2f. %d nearby account(s) were examined and cleared.",
		c.SuspectAccountID, ev.RingSize, ev.RingDensity, ev.AvgRingScore, ev.InnocentCount))

	doc.section("Ring Membership")
	rows := make([][]string, 0, len(ev.RingMembers))
	for _, id := range ev.RingMembers {
		score, bucket := "-", "suspect"
		if s, ok := c.Scores[id]; ok {
			score = fmt.Sprintf("%.2f", s.Score)
			bucket = string(s.Bucket)
		}
		rows = append(rows, []string{id, score, bucket})
	}
	doc.table([]string{"Account", "Score", "Bucket"}, rows)

	doc.section("Evidence")
	for _, b := range ev.ProofBullets {
		doc.bullet(b)
	}
	doc.pdf.Ln(5)

	if len(ev.SharedDevices) > 0 || len(ev.SharedIPs) > 0 {
		doc.section("Shared Infrastructure")
		rows = rows[:0]
		for _, d := range ev.SharedDevices {
			rows = append(rows, []string{d.ID, "device", fmt.Sprintf("%d", d.RingUsers)})
		}
		for _, ip := range ev.SharedIPs {
			rows = append(rows, []string{ip.ID, "ip", fmt.Sprintf("%d", ip.RingUsers)})
		}
		doc.table([]string{"Identifier", "Kind", "Ring Users"}, rows)
	}

	if len(ev.InnocentRationale) > 0 {
		doc.section("Cleared Accounts")
		rows = rows[:0]
		for _, r := range ev.InnocentRationale {
			rows = append(rows, []string{r.AccountID, fmt.Sprintf("%.2f", r.Score), r.Reason})
		}
		doc.table([]string{"Account", "Score", "Rationale"}, rows)
	}

	doc.section("Exploration")
	doc.bullet(fmt.Sprintf("Hops completed: %d of %d", c.Hop, c.Budget.MaxHops))
	doc.bullet(fmt.Sprintf("Nodes explored: %d of %d", ev.NodesExplored, c.Budget.MaxNodes))
	doc.bullet(fmt.Sprintf("Cost spent: %.0f of %.0f", c.CostSpent, c.Budget.CostBudget))

	return doc.output()
}
