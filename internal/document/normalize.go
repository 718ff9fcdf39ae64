package document

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// NormalizeContent converts source bytes to canonical UTF-8 text with LF line
// endings. UTF-16 input (detected by BOM) is transcoded; a UTF-8 BOM is
// stripped.
func NormalizeContent(data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}), bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		decoded, _, err := transform.Bytes(decoder, data)
		if err != nil {
			return "", fmt.Errorf("transcode utf-16 source: %w", err)
		}
		data = decoded
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		data = data[3:]
	}

	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s, nil
}

// ValidateStructure performs the cheap structural checks the downstream
// stages rely on: a document class, begin/end markers, and balanced braces.
// Each returned string is one violation.
func ValidateStructure(content string) []string {
	var problems []string

	if !strings.Contains(content, `\documentclass`) {
		problems = append(problems, `no \documentclass found - not a valid document`)
	}
	if !strings.Contains(content, `\begin{document}`) {
		problems = append(problems, `missing \begin{document}`)
	}
	if !strings.Contains(content, `\end{document}`) {
		problems = append(problems, `missing \end{document}`)
	}

	if delta := strings.Count(content, "{") - strings.Count(content, "}"); delta != 0 {
		if delta > 0 {
			problems = append(problems, fmt.Sprintf("unbalanced braces: %d unclosed {", delta))
		} else {
			problems = append(problems, fmt.Sprintf("unbalanced braces: %d extra }", -delta))
		}
	}
	return problems
}
