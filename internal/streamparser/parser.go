// Package streamparser turns raw assistant stdout into typed chunks for the
// wire. Two pathways: a markdown chunker for free-form text and a set of
// partial-JSON recovery helpers for the stream-json pathway.
package streamparser

import (
	"regexp"
	"strings"
)

// ChunkType classifies a parsed chunk.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkCode     ChunkType = "code"
	ChunkSection  ChunkType = "section"
	ChunkHeader   ChunkType = "header"
	ChunkList     ChunkType = "list"
	ChunkDivider  ChunkType = "divider"
	ChunkComplete ChunkType = "complete"
)

// Chunk is one typed unit of parsed output.
type Chunk struct {
	Type     ChunkType `json:"type"`
	Content  string    `json:"content"`
	Language string    `json:"language,omitempty"` // code chunks
	Level    int       `json:"level,omitempty"`    // header and section chunks
}

var (
	headerRe   = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	bulletRe   = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+`)
	fenceRe    = regexp.MustCompile("^```([A-Za-z0-9_+-]*)\\s*$")
	sectionSet = map[string]bool{
		"plan": true, "code": true, "summary": true,
		"steps": true, "analysis": true, "result": true,
	}
)

// Parser converts raw byte chunks into typed chunks. Line, paragraph, list,
// and open-fence state carries across calls; a code block is never emitted
// until its closing fence arrives or the stream is final.
type Parser struct {
	pending  string   // trailing partial line from the previous call
	para     []string // consecutive non-blank text lines
	list     []string // consecutive bullet/numbered items
	inCode   bool
	codeLang string
	codeBuf  []string
}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// Reset clears all buffered state.
func (p *Parser) Reset() {
	p.pending = ""
	p.para = nil
	p.list = nil
	p.inCode = false
	p.codeLang = ""
	p.codeBuf = nil
}

// ParseData consumes a chunk of stdout bytes and returns the chunks that are
// complete so far. When isFinal is true, buffered state is flushed: an open
// code block is emitted best-effort with whatever content exists. A final
// call with no input at all yields a single complete chunk marking the end
// of the stream.
func (p *Parser) ParseData(data []byte, isFinal bool) []Chunk {
	input := p.pending + string(data)
	p.pending = ""

	var chunks []Chunk

	if input == "" {
		if isFinal {
			chunks = p.flush(chunks)
			chunks = append(chunks, Chunk{Type: ChunkComplete})
		}
		return chunks
	}

	lines := strings.Split(input, "\n")
	if !isFinal {
		// the last element is a partial line until a newline arrives
		p.pending = lines[len(lines)-1]
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		chunks = p.consumeLine(chunks, line)
	}

	if isFinal {
		chunks = p.flush(chunks)
	}

	return chunks
}

func (p *Parser) consumeLine(chunks []Chunk, line string) []Chunk {
	if p.inCode {
		if fenceRe.MatchString(line) {
			chunks = append(chunks, p.closeCode())
		} else {
			p.codeBuf = append(p.codeBuf, line)
		}
		return chunks
	}

	trimmed := strings.TrimSpace(line)

	switch {
	case trimmed == "":
		chunks = p.flushPara(chunks)
		chunks = p.flushList(chunks)

	case fenceRe.MatchString(line):
		chunks = p.flushPara(chunks)
		chunks = p.flushList(chunks)
		p.inCode = true
		p.codeLang = fenceRe.FindStringSubmatch(line)[1]
		p.codeBuf = nil

	case trimmed == "---":
		chunks = p.flushPara(chunks)
		chunks = p.flushList(chunks)
		chunks = append(chunks, Chunk{Type: ChunkDivider, Content: trimmed})

	case headerRe.MatchString(trimmed):
		chunks = p.flushPara(chunks)
		chunks = p.flushList(chunks)
		m := headerRe.FindStringSubmatch(trimmed)
		chunks = append(chunks, Chunk{Type: ChunkHeader, Content: m[2], Level: len(m[1])})

	case isSectionLabel(trimmed):
		chunks = p.flushPara(chunks)
		chunks = p.flushList(chunks)
		chunks = append(chunks, Chunk{
			Type:    ChunkSection,
			Content: strings.TrimSuffix(trimmed, ":"),
			Level:   1,
		})

	case bulletRe.MatchString(line):
		chunks = p.flushPara(chunks)
		p.list = append(p.list, line)

	default:
		chunks = p.flushList(chunks)
		p.para = append(p.para, line)
	}

	return chunks
}

func (p *Parser) flushPara(chunks []Chunk) []Chunk {
	if len(p.para) > 0 {
		chunks = append(chunks, Chunk{Type: ChunkText, Content: strings.Join(p.para, "\n")})
		p.para = nil
	}
	return chunks
}

func (p *Parser) flushList(chunks []Chunk) []Chunk {
	if len(p.list) > 0 {
		chunks = append(chunks, Chunk{Type: ChunkList, Content: strings.Join(p.list, "\n")})
		p.list = nil
	}
	return chunks
}

// flush emits everything still buffered, including an open code block.
func (p *Parser) flush(chunks []Chunk) []Chunk {
	chunks = p.flushPara(chunks)
	chunks = p.flushList(chunks)
	if p.inCode {
		chunks = append(chunks, p.closeCode())
	}
	return chunks
}

func (p *Parser) closeCode() Chunk {
	chunk := Chunk{
		Type:     ChunkCode,
		Content:  strings.Join(p.codeBuf, "\n"),
		Language: p.codeLang,
	}
	p.inCode = false
	p.codeLang = ""
	p.codeBuf = nil
	return chunk
}

// isSectionLabel reports whether the line is a known section label
// such as "Plan:" or "Summary:".
func isSectionLabel(line string) bool {
	if !strings.HasSuffix(line, ":") {
		return false
	}
	label := strings.ToLower(strings.TrimSuffix(line, ":"))
	return sectionSet[label]
}
