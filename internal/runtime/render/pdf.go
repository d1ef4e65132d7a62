package render

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Markup understood by PDFEngine, one directive per line:
//
//	# text        heading
//	## text       subheading
//	|a|b|c        table row, columns share the page width
//	---           horizontal rule
//	===page===    page break (a form feed works too)
//	(blank)       vertical space
//
// Anything else is wrapped as body text.
const (
	pageBreak = "===page==="
	rule      = "---"
)

// PDFEngine renders markup with fpdf on A4 pages in a core font.
type PDFEngine struct {
	PageSize   string
	FontFamily string
}

// NewPDFEngine returns an A4 Helvetica engine.
func NewPDFEngine() *PDFEngine {
	return &PDFEngine{PageSize: "A4", FontFamily: "Helvetica"}
}

func (e *PDFEngine) Render(ctx context.Context, doc Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", e.PageSize, "")
	pdf.SetCreationDate(doc.CreatedAt)
	pdf.SetModificationDate(doc.CreatedAt)
	pdf.SetCatalogSort(true)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("stmtflow", true)
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(e.FontFamily, "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	left, _, right, _ := pdf.GetMargins()
	pageWidth, _ := pdf.GetPageSize()
	usable := pageWidth - left - right

	for _, line := range strings.Split(doc.Markup, "\n") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, " \t\r")
		switch {
		case line == pageBreak || line == "\f":
			pdf.AddPage()
		case strings.HasPrefix(line, "## "):
			pdf.SetFont(e.FontFamily, "B", 12)
			pdf.CellFormat(0, 8, tr(line[3:]), "", 1, "L", false, 0, "")
		case strings.HasPrefix(line, "# "):
			pdf.SetFont(e.FontFamily, "B", 16)
			pdf.CellFormat(0, 10, tr(line[2:]), "", 1, "L", false, 0, "")
			pdf.Ln(2)
		case line == rule:
			y := pdf.GetY() + 2
			pdf.Line(left, y, left+usable, y)
			pdf.Ln(4)
		case strings.HasPrefix(line, "|"):
			cells := strings.Split(strings.Trim(line, "|"), "|")
			width := usable / float64(len(cells))
			pdf.SetFont(e.FontFamily, "", 9)
			for i, cell := range cells {
				align := "L"
				if i > 0 && i == len(cells)-1 {
					align = "R"
				}
				pdf.CellFormat(width, 6, tr(strings.TrimSpace(cell)), "B", 0, align, false, 0, "")
			}
			pdf.Ln(-1)
		case line == "":
			pdf.Ln(4)
		default:
			pdf.SetFont(e.FontFamily, "", 10)
			pdf.MultiCell(0, 5, tr(line), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("fpdf: %w", err)
	}
	return buf.Bytes(), nil
}
