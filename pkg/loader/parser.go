package loader

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Pair is one "Name op value" item of a record.
type Pair struct {
	Name  string
	Op    string
	Value string
	Line  int
}

// Record is a blank-line separated group of pairs.
type Record struct {
	Pairs []Pair
	Line  int
}

var operators = []string{":=", "+=", "==", "!=", ">=", "<=", "=~", "=", ">", "<"}

// ParseRecords reads every record from r. Comment lines are ignored and do
// not start a record; a record whose lines hold no pairs is returned empty.
func ParseRecords(r io.Reader, source string) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		records []Record
		cur     *Record
		lineNo  int
	)

	flush := func() {
		if cur != nil {
			records = append(records, *cur)
			cur = nil
		}
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())

		if line == "" {
			flush()
			continue
		}
		line = stripComment(line)
		if line == "" {
			continue
		}
		if cur == nil {
			cur = &Record{Line: lineNo}
		}

		items, err := splitPairs(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", source, lineNo, err)
		}
		for _, item := range items {
			p, err := parsePair(item)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", source, lineNo, err)
			}
			p.Line = lineNo
			cur.Pairs = append(cur.Pairs, p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	flush()

	return records, nil
}

// stripComment removes a trailing # comment outside quotes.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			return strings.TrimSpace(line[:i])
		}
	}
	return line
}

// splitPairs splits a line on commas outside quotes.
func splitPairs(line string) ([]string, error) {
	var (
		items []string
		quote byte
		start int
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ',':
			items = append(items, line[start:i])
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string")
	}
	items = append(items, line[start:])

	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

func parsePair(item string) (Pair, error) {
	end := strings.IndexAny(item, " \t:=+!<>")
	if end < 0 {
		return Pair{}, fmt.Errorf("expected operator after %s", item)
	}
	if end == 0 {
		return Pair{}, fmt.Errorf("expected attribute name in %q", item)
	}
	name := item[:end]
	rest := strings.TrimSpace(item[end:])

	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			value := strings.TrimSpace(rest[len(op):])
			if value == "" {
				return Pair{}, fmt.Errorf("missing value for %s", name)
			}
			return Pair{Name: name, Op: op, Value: value}, nil
		}
	}
	return Pair{}, fmt.Errorf("expected operator after %s", name)
}
