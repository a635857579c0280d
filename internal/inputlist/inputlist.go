// Package inputlist reads the file supplying item identifiers for a job:
// plain text (one per line, blank lines and '#' comments ignored) or
// delimited text with a header row containing an "identifier" column.
package inputlist

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

const maxLineCapacity = 1024 * 1024 // 1MB per line, matching long identifier/URL tolerance

// Read loads identifiers from path, auto-detecting delimited format by the
// presence of an "identifier" header on the first non-comment line.
func Read(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("inputlist: open %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	peek, err := reader.Peek(4096)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("inputlist: peek %s: %w", path, err)
	}

	if looksDelimited(string(peek)) {
		return readDelimited(reader)
	}
	return readPlain(reader)
}

func looksDelimited(sample string) bool {
	for _, line := range strings.Split(sample, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lower := strings.ToLower(trimmed)
		return strings.Contains(lower, "identifier") && (strings.Contains(trimmed, ",") || strings.Contains(trimmed, "\t"))
	}
	return false
}

func readPlain(r *bufio.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxLineCapacity)
	scanner.Buffer(buf, maxLineCapacity)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("inputlist: scan: %w", err)
	}
	return ids, nil
}

func readDelimited(r *bufio.Reader) ([]string, error) {
	delim := detectDelimiter(r)

	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("inputlist: read header: %w", err)
	}

	identifierCol := -1
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "identifier") {
			identifierCol = i
			break
		}
	}
	if identifierCol == -1 {
		return nil, fmt.Errorf("inputlist: no \"identifier\" column in header %v", header)
	}

	var ids []string
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("inputlist: read record: %w", err)
		}
		if identifierCol >= len(record) {
			continue
		}
		id := strings.TrimSpace(record[identifierCol])
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func detectDelimiter(r *bufio.Reader) rune {
	peek, err := r.Peek(4096)
	if err != nil && err != io.EOF {
		return ','
	}
	firstLine := string(peek)
	if idx := strings.IndexByte(firstLine, '\n'); idx != -1 {
		firstLine = firstLine[:idx]
	}
	if strings.Contains(firstLine, "\t") {
		return '\t'
	}
	return ','
}
