package social

import "strings"

// Ellipsis terminates a line that was cut by the line cap.
const Ellipsis = "…"

// MeasureFunc returns the advance width of s in pixels at the face the text
// will be drawn with.
type MeasureFunc func(s string) int

// WrapText greedily packs the words of text into lines no wider than
// maxWidth. A line breaks only between words; a single word wider than
// maxWidth gets a line of its own. Newlines in text are kept as hard breaks
// and blank lines are dropped. When more than maxLines lines result, the
// output is cut to maxLines and the last line ends in Ellipsis, dropping
// trailing words until it fits again.
//
// Wrapping the joined output again with the same arguments yields the same
// lines.
func WrapText(measure MeasureFunc, text string, maxWidth, maxLines int) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			candidate := line + " " + w
			if measure(candidate) <= maxWidth {
				line = candidate
				continue
			}
			lines = append(lines, line)
			line = w
		}
		lines = append(lines, line)
	}

	if maxLines <= 0 || len(lines) <= maxLines {
		return lines
	}
	lines = lines[:maxLines]
	lines[maxLines-1] = truncateLine(measure, lines[maxLines-1], maxWidth)
	return lines
}

func truncateLine(measure MeasureFunc, line string, maxWidth int) string {
	words := strings.Fields(line)
	for len(words) > 1 {
		candidate := strings.Join(words, " ") + Ellipsis
		if measure(candidate) <= maxWidth {
			return candidate
		}
		words = words[:len(words)-1]
	}
	return words[0] + Ellipsis
}
