package knowledge

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk 表示分块后的文本结构
type Chunk struct {
	Index int
	Text  string
}

// Chunker 句子对齐的文本分块器。
// 相同输入永远产生相同的分块序列，块ID因此是稳定的，向量upsert可以幂等重放。
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}
}

// Split 将文本切分为多个chunk。
// 句子按终止标点边界切分后累积进缓冲区；追加下一句会超出字符预算且
// 缓冲区已有本块内容时，关闭当前块，新缓冲区以上一块的末尾overlap
// 字符做种子，保留跨块的局部上下文。单个超长句子不会被从中间切开，
// 所以单块长度可能超出预算，上限是预算加最长单句。
func (c *Chunker) Split(text string) []Chunk {
	clean := normalizeWhitespace(text)
	if clean == "" {
		return nil
	}

	sentences := splitSentences(clean)

	var chunks []Chunk
	buf := ""
	seedLen := 0 // 缓冲区开头的overlap种子长度（rune数）

	for _, sentence := range sentences {
		bufLen := utf8.RuneCountInString(buf)
		candidate := bufLen + utf8.RuneCountInString(sentence)
		if buf != "" {
			candidate++ // 连接用的空格
		}

		// 种子之外已有内容时才允许关闭当前块
		if candidate > c.chunkSize && bufLen > seedLen {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: buf})
			buf = tailRunes(buf, c.chunkOverlap)
			seedLen = utf8.RuneCountInString(buf)
		}

		if buf != "" {
			buf += " "
		}
		buf += sentence
	}

	// 末块：纯overlap种子不算新内容
	if buf != "" && utf8.RuneCountInString(buf) > seedLen {
		chunks = append(chunks, Chunk{Index: len(chunks), Text: buf})
	}

	return chunks
}

// splitSentences 按终止标点+空白的简单启发式切分句子
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}

	if start < len(runes) {
		sentence := strings.TrimSpace(string(runes[start:]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
	}

	return sentences
}

// tailRunes 取文本末尾最多n个rune
func tailRunes(text string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[len(runes)-n:])
}

func normalizeWhitespace(s string) string {
	var builder strings.Builder
	builder.Grow(len(s))

	var prevSpace bool
	for _, r := range s {
		if unicode.IsSpace(r) {
			if prevSpace {
				continue
			}
			builder.WriteRune(' ')
			prevSpace = true
			continue
		}
		builder.WriteRune(r)
		prevSpace = false
	}

	return strings.TrimSpace(builder.String())
}
