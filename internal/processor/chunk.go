package processor

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 200
)

var paragraphBreak = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Chunk splits text into pieces of at most size bytes, breaking at
// paragraph boundaries where possible. Each chunk after the first begins
// with up to overlap bytes from the end of the previous one.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size/2 {
		overlap = 0
	}
	pieceMax := size - overlap - 2
	if pieceMax < 1 {
		pieceMax = size
	}

	var chunks []string
	var cur strings.Builder
	for _, piece := range pieces(text, pieceMax) {
		if cur.Len() > 0 && cur.Len()+2+len(piece) > size {
			chunk := cur.String()
			chunks = append(chunks, chunk)
			cur.Reset()
			cur.WriteString(overlapTail(chunk, overlap))
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(piece)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// pieces returns the non-empty paragraphs of text, splitting any paragraph
// longer than max at word boundaries.
func pieces(text string, max int) []string {
	var out []string
	for _, para := range strings.Split(paragraphBreak.Replace(text), "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		if len(para) <= max {
			out = append(out, para)
			continue
		}
		out = append(out, splitWords(para, max)...)
	}
	return out
}

func splitWords(para string, max int) []string {
	var out []string
	var cur strings.Builder
	for _, word := range strings.Fields(para) {
		for len(word) > max {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			cut := max
			for cut > 0 && !utf8.RuneStart(word[cut]) {
				cut--
			}
			if cut == 0 {
				// max is narrower than the first rune; emit the rune whole.
				_, cut = utf8.DecodeRuneInString(word)
			}
			out = append(out, word[:cut])
			word = word[cut:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(word) > max {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// overlapTail returns the last overlap bytes of chunk, advanced to the
// start of a word.
func overlapTail(chunk string, overlap int) string {
	if overlap <= 0 || chunk == "" {
		return ""
	}
	if len(chunk) <= overlap {
		return chunk
	}
	start := len(chunk) - overlap
	if i := strings.IndexAny(chunk[start:], " \n"); i >= 0 {
		start += i
	}
	for start < len(chunk) && !utf8.RuneStart(chunk[start]) {
		start++
	}
	return strings.TrimSpace(chunk[start:])
}
