// Package diff classifies a new page capture against the most recent prior
// capture of the same URL and produces the diff payload for changed pages.
package diff

import (
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/user/sitewatch/internal/domain"
)

// Normalizer rewrites content before comparison to cancel out noise that is
// irrelevant to the pipeline (trailing whitespace, embedded timestamps).
type Normalizer func(string) string

var (
	// Matches ISO-8601 and RFC1123-style timestamps commonly injected into
	// rendered markup by servers and build pipelines.
	isoTimestampRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	rfc1123Re       = regexp.MustCompile(`(Mon|Tue|Wed|Thu|Fri|Sat|Sun), \d{2} (Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec) \d{4} \d{2}:\d{2}:\d{2}( GMT| UTC)?`)
	blankRunRe      = regexp.MustCompile(`\n{3,}`)
	trailingSpaceRe = regexp.MustCompile(`[ \t]+\n`)
)

func TrimTrailingSpace(s string) string {
	return strings.TrimSpace(trailingSpaceRe.ReplaceAllString(s, "\n"))
}

func CollapseBlankRuns(s string) string {
	return blankRunRe.ReplaceAllString(s, "\n\n")
}

func StripTimestamps(s string) string {
	s = isoTimestampRe.ReplaceAllString(s, "")
	return rfc1123Re.ReplaceAllString(s, "")
}

// DefaultNormalizers is the default policy chain, applied in order.
func DefaultNormalizers() []Normalizer {
	return []Normalizer{StripTimestamps, TrimTrailingSpace, CollapseBlankRuns}
}

// Engine compares page captures. Classification is a pure function of the
// prior result and the new content.
type Engine struct {
	normalizers []Normalizer
	dmp         *diffmatchpatch.DiffMatchPatch
}

func NewEngine(normalizers ...Normalizer) *Engine {
	if len(normalizers) == 0 {
		normalizers = DefaultNormalizers()
	}
	return &Engine{
		normalizers: normalizers,
		dmp:         diffmatchpatch.New(),
	}
}

// Normalize applies the configured normalizer chain.
func (e *Engine) Normalize(s string) string {
	for _, n := range e.normalizers {
		s = n(s)
	}
	return s
}

// Classify compares new content against the prior result for the same URL.
// nil prior means the URL was never captured before. Empty content is a
// valid captured state, not an error.
func (e *Engine) Classify(prior *domain.ScrapeResult, content string) (domain.ChangeStatus, *domain.DiffPayload) {
	if prior == nil {
		return domain.ChangeStatusNew, nil
	}
	oldNorm := e.Normalize(prior.Markdown)
	newNorm := e.Normalize(content)
	if oldNorm == newNorm {
		return domain.ChangeStatusSame, nil
	}
	return domain.ChangeStatusChanged, e.Compute(oldNorm, newNorm)
}

// Compute produces the textual and structured diff between two normalized
// contents. Line-level granularity keeps payloads readable for markdown.
func (e *Engine) Compute(oldContent, newContent string) *domain.DiffPayload {
	oldChars, newChars, lines := e.dmp.DiffLinesToChars(oldContent+"\n", newContent+"\n")
	diffs := e.dmp.DiffCharsToLines(e.dmp.DiffMain(oldChars, newChars, false), lines)

	payload := &domain.DiffPayload{}
	var text strings.Builder
	for _, d := range diffs {
		op := "equal"
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op, prefix = "insert", "+ "
		case diffmatchpatch.DiffDelete:
			op, prefix = "delete", "- "
		}
		payload.Ops = append(payload.Ops, domain.DiffOp{Op: op, Text: d.Text})
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			text.WriteString(prefix)
			text.WriteString(line)
			text.WriteByte('\n')
		}
	}
	payload.Text = text.String()
	return payload
}
