// Package prompt renders the grounded instruction sent to the language model.
package prompt

import (
	"strings"

	"github.com/ent0n29/trafficlaw/internal/corpus"
	"github.com/ent0n29/trafficlaw/internal/memory"
)

const (
	DefaultHistoryWindow = 6

	NoDocumentsMarker  = "No relevant documents found."
	UnknownSourceLabel = "Unknown Document"
)

const intro = "You are a helpful and friendly expert assistant on Philippine traffic laws and vehicle regulations."

var instructions = []string{
	"If the user greets you or makes casual conversation, respond warmly and briefly, then invite them to ask about traffic laws",
	"For traffic law questions: Answer using ONLY the provided context documents",
	"Include specific amounts, penalties, and time periods exactly as stated",
	"Structure multi-part answers clearly (First offense: X, Second offense: Y)",
	"If the context does not contain enough information to answer, say so explicitly",
	"If the question isn't about traffic laws, politely explain that you specialize in Philippine traffic laws",
	"Do not add information beyond what is provided in the context",
	"Answer concisely and clearly",
}

// Composer is stateless; Compose output depends only on its arguments.
type Composer struct {
	// HistoryWindow caps how many of the most recent turns are rendered.
	// Zero renders no history.
	HistoryWindow int
}

func NewComposer(historyWindow int) *Composer {
	if historyWindow < 0 {
		historyWindow = 0
	}
	return &Composer{HistoryWindow: historyWindow}
}

// Compose renders context, history, instructions and the question, in that order.
func (c *Composer) Compose(query string, chunks []corpus.Chunk, history []memory.Turn) string {
	var b strings.Builder

	b.WriteString(intro)
	b.WriteString("\n\nCONTEXT DOCUMENTS:\n")
	writeContext(&b, chunks)

	if recent := c.window(history); len(recent) > 0 {
		b.WriteString("\n\nPREVIOUS CONVERSATION:\n")
		for i, t := range recent {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(strings.ToUpper(string(t.Role)))
			b.WriteString(": ")
			b.WriteString(t.Content)
		}
	}

	b.WriteString("\n\nINSTRUCTIONS:\n")
	for i, line := range instructions {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(line)
	}

	b.WriteString("\n\nQUESTION: ")
	b.WriteString(query)
	b.WriteString("\n\nANSWER:")
	return b.String()
}

func writeContext(b *strings.Builder, chunks []corpus.Chunk) {
	if len(chunks) == 0 {
		b.WriteString(NoDocumentsMarker)
		return
	}
	for i, ch := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label := strings.TrimSpace(ch.Source)
		if label == "" {
			label = UnknownSourceLabel
		}
		b.WriteString("[Document ")
		b.WriteString(label)
		b.WriteString(":]\n")
		b.WriteString(ch.Content)
	}
}

func (c *Composer) window(history []memory.Turn) []memory.Turn {
	if c.HistoryWindow <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > c.HistoryWindow {
		return history[len(history)-c.HistoryWindow:]
	}
	return history
}

// Chunks strips distances from scored search results, keeping their order.
func Chunks(scored []corpus.ScoredChunk) []corpus.Chunk {
	out := make([]corpus.Chunk, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Chunk)
	}
	return out
}
