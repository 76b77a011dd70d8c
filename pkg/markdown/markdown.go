// Package markdown implements the canonical outline markdown form: a fixed
// two-space-indent bullet grammar mirrored to and from .md files.
//
// The parser is total: any input produces some block sequence. Malformed
// fences degrade to plain bullets carrying their literal text, odd
// indentation rounds down to the nearest depth, blank lines outside fences
// are skipped.
package markdown

import (
	"strings"

	"github.com/kittclouds/outline/pkg/pool"
)

// Kind is the block kind tag carried through serialization.
type Kind string

const (
	KindBullet Kind = "bullet"
	KindCode   Kind = "code"
	KindFence  Kind = "fence"
)

const (
	codeFence  = "```"
	fenceFence = "///"
)

// Block is one outline line in pre-order: content, kind, and depth. Children
// follow their parent immediately with depth+1.
type Block struct {
	Content  string
	Kind     Kind
	Language string
	Depth    int
}

// Serialize renders blocks (pre-order, depth-annotated) to the canonical
// markdown form:
//
//	<2·depth spaces>- <content>                    bullet
//	<2·depth spaces>- ```<language>                code open
//	<2·(depth+1) spaces><content lines>            code body
//	<2·(depth+1) spaces>```                        code close
//
// Fence blocks use /// in the same shape, with no language.
func Serialize(blocks []Block) []byte {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	for _, b := range blocks {
		indent := strings.Repeat("  ", b.Depth)
		switch b.Kind {
		case KindCode, KindFence:
			marker := codeFence
			lang := b.Language
			if b.Kind == KindFence {
				marker = fenceFence
				lang = ""
			}
			buf.WriteString(indent)
			buf.WriteString("- ")
			buf.WriteString(marker)
			buf.WriteString(lang)
			buf.WriteByte('\n')
			body := indent + "  "
			for _, line := range strings.Split(b.Content, "\n") {
				buf.WriteString(body)
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
			buf.WriteString(body)
			buf.WriteString(marker)
			buf.WriteByte('\n')
		default:
			buf.WriteString(indent)
			buf.WriteString("- ")
			buf.WriteString(b.Content)
			buf.WriteByte('\n')
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// Parse walks src line by line and produces the block sequence. Inverse of
// Serialize for canonical input; total for everything else.
func Parse(src []byte) []Block {
	lines := strings.Split(string(src), "\n")
	var blocks []Block

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}

		indent := countIndent(line)
		depth := indent / 2
		rest := line[indent:]

		content, ok := strings.CutPrefix(rest, "- ")
		if !ok {
			// Stray line: keep its text as a bullet at that depth.
			blocks = append(blocks, Block{Content: strings.TrimRight(rest, " "), Kind: KindBullet, Depth: depth})
			continue
		}

		marker := ""
		if strings.HasPrefix(content, codeFence) {
			marker = codeFence
		} else if strings.HasPrefix(content, fenceFence) {
			marker = fenceFence
		}
		if marker == "" {
			blocks = append(blocks, Block{Content: content, Kind: KindBullet, Depth: depth})
			continue
		}

		body, next, closed := collectFence(lines, i+1, depth, marker)
		if !closed {
			// No closing fence before EOF: the opener is a plain bullet.
			blocks = append(blocks, Block{Content: content, Kind: KindBullet, Depth: depth})
			continue
		}

		kind := KindCode
		lang := strings.TrimPrefix(content, marker)
		if marker == fenceFence {
			kind = KindFence
			lang = ""
		}
		blocks = append(blocks, Block{Content: body, Kind: kind, Language: lang, Depth: depth})
		i = next
	}

	return blocks
}

// collectFence gathers body lines from start until a line whose trimmed text
// is exactly the closing marker. Returns the joined body, the index of the
// closing line, and whether a closer was found at all.
func collectFence(lines []string, start, depth int, marker string) (string, int, bool) {
	bodyIndent := 2 * (depth + 1)
	var body []string
	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == marker {
			return strings.Join(body, "\n"), i, true
		}
		body = append(body, stripIndent(lines[i], bodyIndent))
	}
	return "", start, false
}

func countIndent(line string) int {
	n := 0
	for n < len(line) && line[n] == ' ' {
		n++
	}
	return n
}

// stripIndent removes up to n leading spaces, keeping deeper indentation
// that belongs to the code itself.
func stripIndent(line string, n int) string {
	i := 0
	for i < len(line) && i < n && line[i] == ' ' {
		i++
	}
	return line[i:]
}
