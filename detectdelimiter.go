package polyrisk

import (
	"bufio"
	"bytes"
	"io"

	"github.com/csimplestring/go-csv/detector"
)

// DetermineDelimiter returns the single most likely rune that would delimit the
// values in the reader, assuming a CSV-like file.
func DetermineDelimiter(r io.Reader) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(r, '"')

	if len(delimiters) > 0 {
		return rune(delimiters[0][0])
	}

	return ','
}

// PeekDelimiter guesses the delimiter from the first non-comment lines of br
// without consuming them. Consumer genotype exports open with long '#' banners
// that would otherwise dominate the guess.
func PeekDelimiter(br *bufio.Reader, comment byte) rune {
	sample, _ := br.Peek(64 * 1024)

	var body bytes.Buffer
	for _, line := range bytes.Split(sample, []byte{'\n'}) {
		if len(line) == 0 || line[0] == comment {
			continue
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	if body.Len() == 0 {
		return '\t'
	}

	return DetermineDelimiter(&body)
}
