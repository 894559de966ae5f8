package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

// tokenPattern matches {{Column Name}} placeholders in prompt templates.
var tokenPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// PromptBuilder renders enrichment prompt templates against row data.
type PromptBuilder interface {
	// Build substitutes column placeholders in the template with the row's
	// cell values and appends output format instructions.
	Build(template string, row *models.Row, columns []models.Column, outputColumns []string) string

	// ReferencedColumns returns the IDs of columns the template references,
	// matched case-insensitively by name.
	ReferencedColumns(template string, columns []models.Column) []uuid.UUID
}

type promptBuilder struct{}

var _ PromptBuilder = (*promptBuilder)(nil)

// NewPromptBuilder creates a PromptBuilder.
func NewPromptBuilder() PromptBuilder {
	return &promptBuilder{}
}

func (b *promptBuilder) Build(template string, row *models.Row, columns []models.Column, outputColumns []string) string {
	byName := columnIndex(columns)

	rendered := tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := strings.TrimSpace(token[2 : len(token)-2])
		col, ok := byName[strings.ToLower(name)]
		if !ok {
			// Unknown placeholder stays verbatim so the model sees what
			// the author typed.
			return token
		}
		cell := row.Cell(col.ID)
		if cell.Value == nil {
			return ""
		}
		return *cell.Value
	})

	var sb strings.Builder
	sb.WriteString(rendered)
	sb.WriteString("\n\n")
	b.writeFormatInstructions(&sb, outputColumns)
	return sb.String()
}

func (b *promptBuilder) ReferencedColumns(template string, columns []models.Column) []uuid.UUID {
	byName := columnIndex(columns)

	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, match := range tokenPattern.FindAllStringSubmatch(template, -1) {
		name := strings.ToLower(strings.TrimSpace(match[1]))
		col, ok := byName[name]
		if !ok || seen[col.ID] {
			continue
		}
		seen[col.ID] = true
		ids = append(ids, col.ID)
	}
	return ids
}

// writeFormatInstructions appends the JSON response contract. The model is
// asked for the configured output fields plus standard metadata fields.
func (b *promptBuilder) writeFormatInstructions(sb *strings.Builder, outputColumns []string) {
	sb.WriteString("Respond with a single JSON object and nothing else. ")
	sb.WriteString("Do not wrap the JSON in markdown fences or add commentary.\n")
	sb.WriteString("The object must contain exactly these fields:\n")

	if len(outputColumns) == 0 {
		sb.WriteString(`  "result": the answer to the task above` + "\n")
	}
	for _, name := range outputColumns {
		fmt.Fprintf(sb, "  %q: the value for %s\n", name, name)
	}
	for _, key := range models.ResponseMetadataKeys {
		switch key {
		case "reasoning":
			sb.WriteString(`  "reasoning": a short explanation of how you arrived at the answer` + "\n")
		case "confidence":
			sb.WriteString(`  "confidence": your confidence in the answer from 0.0 to 1.0` + "\n")
		case "steps_taken":
			sb.WriteString(`  "steps_taken": the list of steps you performed` + "\n")
		}
	}
	sb.WriteString("Use null for any field you cannot determine.")
}

func columnIndex(columns []models.Column) map[string]models.Column {
	byName := make(map[string]models.Column, len(columns))
	for _, col := range columns {
		byName[strings.ToLower(strings.TrimSpace(col.Name))] = col
	}
	return byName
}
