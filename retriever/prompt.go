package retriever

import (
	"strings"
	"unicode/utf8"
)

// NoAnswerText is both the reply for an empty retrieval and the sentence the
// model is told to use when the context does not contain the answer.
const NoAnswerText = "I don't have enough information in the provided documents to answer that."

const couldNotAnswerText = "Sorry, I could not answer your question right now. Please try again later."

// promptSeparator joins the system and user text in the echoed prompt.
const promptSeparator = "\n\n"

func systemPrompt() string {
	return "You answer questions about a document collection using only the context provided. " +
		"Each context entry starts with a tag of the form [chunk_id | section | document]. " +
		"Do not use outside knowledge. If the context does not contain the answer, reply with exactly: " +
		NoAnswerText
}

func userPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	sb.WriteString(context)
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

func contextEntry(chunk RetrievedChunk) string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(chunk.ID)
	sb.WriteString(" | ")
	sb.WriteString(chunk.Section())
	sb.WriteString(" | ")
	sb.WriteString(chunk.DocumentTitle())
	sb.WriteString("]\n")
	sb.WriteString(chunk.Text)
	sb.WriteString("\n\n")
	return sb.String()
}

// buildPrompt keeps the longest prefix of the ranked chunks whose rendered
// prompt (system text, separator and user text) stays within budget runes.
// Chunks are never cut. A budget of zero or less disables the limit.
func buildPrompt(question string, chunks []RetrievedChunk, budget int) (system, user string, used []RetrievedChunk) {
	system = systemPrompt()
	size := utf8.RuneCountInString(system) + utf8.RuneCountInString(promptSeparator) + utf8.RuneCountInString(userPrompt(question, ""))

	var ctx strings.Builder
	for _, chunk := range chunks {
		entry := contextEntry(chunk)
		n := utf8.RuneCountInString(entry)
		if budget > 0 && size+n > budget {
			break
		}
		size += n
		ctx.WriteString(entry)
		used = append(used, chunk)
	}
	return system, userPrompt(question, ctx.String()), used
}

// renderPrompt is the prompt as echoed back to callers.
func renderPrompt(system, user string) string {
	return system + promptSeparator + user
}

// parseCompletion trims the completion and an optional "Answer:" label. The
// answer is ungrounded when the model used the decline sentence.
func parseCompletion(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if len(text) >= len("answer:") && strings.EqualFold(text[:len("answer:")], "answer:") {
		text = strings.TrimSpace(text[len("answer:"):])
	}
	grounded := !strings.Contains(normalizeQuotes(strings.ToLower(text)), normalizeQuotes(strings.ToLower(strings.TrimSuffix(NoAnswerText, "."))))
	return text, grounded
}

func normalizeQuotes(s string) string {
	return strings.NewReplacer("\u2019", "'", "\u2018", "'").Replace(s)
}

// SourceInfo renders the citation line of a response.
func SourceInfo(chunks []RetrievedChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		var sb strings.Builder
		sb.WriteString("Chunk ")
		sb.WriteString(chunk.ID)
		if section := chunk.Section(); section != "" {
			sb.WriteString(" (")
			sb.WriteString(section)
			sb.WriteString(")")
		}
		sb.WriteString(" from ")
		sb.WriteString(chunk.DocumentTitle())
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "; ")
}
