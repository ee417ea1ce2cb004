package rag

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// TemplatePlaceholder marks where the packed context is substituted.
const TemplatePlaceholder = "{context}"

// ContextAssembler formats ranked documents into a token-budgeted context
// string with a provenance list.
type ContextAssembler struct {
	metrics *Metrics
	logger  *logrus.Logger
}

// NewContextAssembler creates an assembler.
func NewContextAssembler(metrics *Metrics, logger *logrus.Logger) *ContextAssembler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ContextAssembler{metrics: metrics, logger: logger}
}

// EstimateTokens approximates the token count of a text as len/4. A real
// tokenizer can replace this without changing the assembly contract.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Assemble greedily packs documents, in the order received, into a context
// string bounded by maxTokens. Packing stops at the first block that would
// exceed the budget; later blocks are dropped even if individually small.
// A zero-fit result is an empty block, not an error.
func (a *ContextAssembler) Assemble(docs []*RankedDocument, maxTokens int, template string) (*ContextBlock, error) {
	if strings.Count(template, TemplatePlaceholder) != 1 {
		return nil, fmt.Errorf("template must contain exactly one %s placeholder", TemplatePlaceholder)
	}

	var blocks []string
	var included []*RankedDocument
	totalTokens := 0

	for _, d := range docs {
		block := formatBlock(d)
		blockTokens := EstimateTokens(block)
		if totalTokens+blockTokens > maxTokens {
			break
		}
		blocks = append(blocks, block)
		included = append(included, d)
		totalTokens += blockTokens
	}

	if len(blocks) == 0 {
		a.metrics.EmptyContexts.Inc()
		a.logger.WithFields(logrus.Fields{
			"documents":  len(docs),
			"max_tokens": maxTokens,
		}).Debug("No context block fits the token budget")
		return &ContextBlock{}, nil
	}

	content := strings.Replace(template, TemplatePlaceholder, strings.Join(blocks, "\n\n"), 1)
	return &ContextBlock{
		Content:       content,
		TokenEstimate: totalTokens,
		Documents:     included,
	}, nil
}

// formatBlock renders one document as a source line followed by its text:
//
//	<filename> # chunk <id>[ <annotation>] # score <rounded>
func formatBlock(d *RankedDocument) string {
	annotation := ""
	switch d.Expansion {
	case ExpansionMerged:
		annotation = fmt.Sprintf(" [+%d chunks]", d.ChunksIncluded-1)
	case ExpansionBefore, ExpansionAfter:
		annotation = " [contexte]"
	}

	filename := d.Filename
	if filename == "" {
		filename = "?"
	}

	source := fmt.Sprintf("%s # chunk %d%s # score %s",
		filename, d.Key.ChunkID, annotation, formatScore(d.DisplayScore()))
	return source + "\n" + d.Text
}

// formatScore rounds to 3 decimals without trailing zeros, matching the
// provenance lines the chat layer has always displayed.
func formatScore(score float64) string {
	return strconv.FormatFloat(math.Round(score*1000)/1000, 'f', -1, 64)
}
