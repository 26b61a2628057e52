package knowledge

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/spreadsheet"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"

	apperrors "github.com/aihub/rag-go/internal/errors"
)

// TextExtractor 从原始文件字节中提取纯文本
type TextExtractor interface {
	Extract(reader io.Reader, filename string) (string, error)
	Supports(filename string) bool
}

// PlainTextExtractor 文本文件
type PlainTextExtractor struct{}

func (p *PlainTextExtractor) Supports(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".txt" || ext == ".md" || ext == ".markdown"
}

func (p *PlainTextExtractor) Extract(reader io.Reader, filename string) (string, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(content), nil
}

// PDFExtractor PDF文件
type PDFExtractor struct{}

func (p *PDFExtractor) Supports(filename string) bool {
	return strings.ToLower(filepath.Ext(filename)) == ".pdf"
}

func (p *PDFExtractor) Extract(reader io.Reader, filename string) (string, error) {
	pdfBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read pdf: %w", err)
	}

	pdfReader, err := model.NewPdfReader(bytes.NewReader(pdfBytes))
	if err != nil {
		return "", fmt.Errorf("failed to parse pdf: %w", err)
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return "", fmt.Errorf("failed to get pdf page count: %w", err)
	}

	// 单页失败跳过，保留可提取的部分
	var textBuilder strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err != nil {
			continue
		}
		ex, err := extractor.New(page)
		if err != nil {
			continue
		}
		text, err := ex.ExtractText()
		if err != nil {
			continue
		}
		textBuilder.WriteString(text)
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

// WordExtractor Word文档，仅支持.docx
type WordExtractor struct{}

func (p *WordExtractor) Supports(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".docx" || ext == ".doc"
}

func (p *WordExtractor) Extract(reader io.Reader, filename string) (string, error) {
	if strings.ToLower(filepath.Ext(filename)) == ".doc" {
		return "", apperrors.NewValidationError("legacy .doc is not supported, convert to .docx")
	}

	docBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read docx: %w", err)
	}

	doc, err := document.Read(bytes.NewReader(docBytes), int64(len(docBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse docx: %w", err)
	}
	defer doc.Close()

	var textBuilder strings.Builder
	for _, para := range doc.Paragraphs() {
		for _, run := range para.Runs() {
			textBuilder.WriteString(run.Text())
		}
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

// SpreadsheetExtractor Excel文档，仅支持.xlsx
type SpreadsheetExtractor struct{}

func (p *SpreadsheetExtractor) Supports(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".xlsx" || ext == ".xls"
}

func (p *SpreadsheetExtractor) Extract(reader io.Reader, filename string) (string, error) {
	if strings.ToLower(filepath.Ext(filename)) == ".xls" {
		return "", apperrors.NewValidationError("legacy .xls is not supported, convert to .xlsx")
	}

	excelBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read xlsx: %w", err)
	}

	ss, err := spreadsheet.Read(bytes.NewReader(excelBytes), int64(len(excelBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse xlsx: %w", err)
	}
	defer ss.Close()

	var textBuilder strings.Builder
	for _, sheet := range ss.Sheets() {
		textBuilder.WriteString(sheet.Name())
		textBuilder.WriteString("\n")
		for _, row := range sheet.Rows() {
			var rowText []string
			for _, cell := range row.Cells() {
				rowText = append(rowText, cell.GetString())
			}
			if len(rowText) > 0 {
				textBuilder.WriteString(strings.Join(rowText, "\t"))
				textBuilder.WriteString("\n")
			}
		}
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

// ExtractorChain 按扩展名分发到对应提取器
type ExtractorChain struct {
	extractors []TextExtractor
}

func NewExtractorChain() *ExtractorChain {
	return &ExtractorChain{
		extractors: []TextExtractor{
			&PDFExtractor{},
			&WordExtractor{},
			&SpreadsheetExtractor{},
			&PlainTextExtractor{},
		},
	}
}

// Extract 提取文本，不支持的格式返回校验错误
func (c *ExtractorChain) Extract(reader io.Reader, filename string) (string, error) {
	for _, e := range c.extractors {
		if e.Supports(filename) {
			return e.Extract(reader, filename)
		}
	}
	return "", apperrors.NewValidationError(fmt.Sprintf("unsupported file format: %s", filename))
}

// Supports 是否存在能处理该文件的提取器
func (c *ExtractorChain) Supports(filename string) bool {
	for _, e := range c.extractors {
		if e.Supports(filename) {
			return true
		}
	}
	return false
}
