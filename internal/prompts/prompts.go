// Package prompts builds the text surfaces around the model: the
// persona system prompt, the transient raw-feed injection, and the
// cleanup/splitting applied to replies before they go back to a channel.
package prompts

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roost-irc/roost/internal/logstore"
)

// MaxChunkLen is the longest reply chunk sent to a channel in one
// message. Longer replies are split on sentence boundaries where
// possible, then on word boundaries.
const MaxChunkLen = 400

// Persona returns the standing system prompt for a channel.
func Persona(channel string) string {
	return fmt.Sprintf(`You are roost, a helpful participant in the %s chat channel.

You see messages in the form "nick: text". Reply conversationally and
keep answers short; this is a live channel, not a document. Use your
tools to look up channel history, statistics, or open backlog items
when a question needs them instead of guessing. If a tool returns
nothing useful, say so plainly.

Do not prefix your replies with your own name or with timestamps.`, channel)
}

// RawFeed renders recent channel traffic as a transient context block.
// It is shown to the model for situational awareness but is never part
// of conversation memory.
func RawFeed(channel string, msgs []logstore.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent activity in %s (newest last):\n", channel)
	for _, m := range msgs {
		switch m.Kind {
		case logstore.KindJoin:
			fmt.Fprintf(&b, "[%s] * %s joined\n", m.Timestamp.Format("15:04"), m.Nick)
		case logstore.KindPart:
			fmt.Fprintf(&b, "[%s] * %s left\n", m.Timestamp.Format("15:04"), m.Nick)
		default:
			fmt.Fprintf(&b, "[%s] <%s> %s\n", m.Timestamp.Format("15:04"), m.Nick, m.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var (
	thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	// feedPrefixRe matches a raw-feed style prefix the model may have
	// copied: "[15:04] <nick> " or just "[15:04] ".
	feedPrefixRe = regexp.MustCompile(`^\[\d{1,2}:\d{2}(:\d{2})?\]\s*(<[^>]+>\s*)?`)
	// nickPrefixRe matches a "nick: " self-address prefix.
	nickPrefixRe = regexp.MustCompile(`^[A-Za-z0-9_\-\[\]\\^{}|]+:\s+`)
)

// Clean strips model artifacts from a reply: chain-of-thought blocks
// and any timestamp/nick prefix the model copied from the raw feed.
func Clean(text string) string {
	text = thinkRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = feedPrefixRe.ReplaceAllString(line, "")
		lines[i] = nickPrefixRe.ReplaceAllString(line, "")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Split breaks a reply into channel-sized chunks. Sentence boundaries
// are preferred; a single overlong sentence falls back to word splits.
func Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= MaxChunkLen {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, sentence := range splitSentences(text) {
		if len(sentence) > MaxChunkLen {
			flush()
			chunks = append(chunks, splitWords(sentence)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(sentence) > MaxChunkLen {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
	}
	flush()
	return chunks
}

func splitSentences(text string) []string {
	// Normalize whitespace first so chunk length accounting is stable.
	fields := strings.Fields(text)
	text = strings.Join(fields, " ")

	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && (i+1 == len(text) || text[i+1] == ' ') {
			out = append(out, strings.TrimSpace(text[start:i+1]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func splitWords(sentence string) []string {
	var chunks []string
	var cur strings.Builder
	for _, word := range strings.Fields(sentence) {
		if cur.Len() > 0 && cur.Len()+1+len(word) > MaxChunkLen {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
