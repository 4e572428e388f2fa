package update

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrPatchMismatch is returned when a hunk's context or removed lines do not
// match the artifact exactly.
var ErrPatchMismatch = errors.New("patch does not apply")

// applyUnified applies a single-file unified diff to content. There is no
// fuzz: every context and removed line must match byte for byte. The
// artifact's trailing-newline state is preserved.
func applyUnified(content []byte, unified string) ([]byte, error) {
	fds, err := diff.ParseMultiFileDiff([]byte(unified))
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	if len(fds) != 1 {
		return nil, fmt.Errorf("diff touches %d files, want 1", len(fds))
	}
	hunks := fds[0].Hunks
	if len(hunks) == 0 {
		return nil, errors.New("diff has no hunks")
	}

	text := string(content)
	trailingNL := strings.HasSuffix(text, "\n")
	var lines []string
	if text != "" {
		lines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}

	out := make([]string, 0, len(lines))
	cursor := 0
	for i, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < cursor || start > len(lines) {
			return nil, fmt.Errorf("%w: hunk %d starts at line %d", ErrPatchMismatch, i+1, h.OrigStartLine)
		}
		out = append(out, lines[cursor:start]...)

		pos := start
		var origSeen, newSeen int32
		for _, bl := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
			if bl == "" {
				bl = " "
			}
			op, body := bl[0], bl[1:]
			switch op {
			case ' ', '-':
				if pos >= len(lines) || lines[pos] != body {
					return nil, fmt.Errorf("%w: hunk %d line %d", ErrPatchMismatch, i+1, pos+1)
				}
				if op == ' ' {
					out = append(out, body)
					newSeen++
				}
				origSeen++
				pos++
			case '+':
				out = append(out, body)
				newSeen++
			case '\\':
				// "\ No newline at end of file"
			default:
				return nil, fmt.Errorf("malformed hunk %d line %q", i+1, bl)
			}
		}
		if origSeen != h.OrigLines || newSeen != h.NewLines {
			return nil, fmt.Errorf("%w: hunk %d line counts %d/%d, header says %d/%d",
				ErrPatchMismatch, i+1, origSeen, newSeen, h.OrigLines, h.NewLines)
		}
		cursor = pos
	}
	out = append(out, lines[cursor:]...)

	result := strings.Join(out, "\n")
	if trailingNL && len(out) > 0 {
		result += "\n"
	}
	return []byte(result), nil
}
