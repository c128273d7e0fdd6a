// Package extractor recovers the structured result record a grading binary
// prints from output that is also full of diagnostic lines.
//
// A record is a JSON object framed on line boundaries: its first line starts
// with '{' and mentions "student_id", and it ends on the line where its braces
// balance and which ends with '}'. Everything outside such spans is noise.
package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keyMarker = `"student_id"`

	// FallbackTotal is the total reported when no matching record exists.
	FallbackTotal = 100

	// maxSpanLines stops a record that never closes from swallowing the rest
	// of the output.
	maxSpanLines = 1000
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrInvalidValue = errors.New("invalid field value")
	ErrDuplicateKey = errors.New("duplicate key")
)

// Record is one decoded result record.
type Record struct {
	StudentID    string
	AssignmentID string
	Score        int
	Total        int
	Output       string
}

// Result is what extraction yields for one job. When Fallback is set no record
// matched and Output holds the full raw text.
type Result struct {
	StudentID    string
	AssignmentID string
	Score        int
	Total        int
	Output       string
	Fallback     bool

	// Foreign counts well-formed records that named a different job.
	Foreign int
	// Rejected counts candidate spans that failed to decode.
	Rejected int
}

// Candidate is a framed span and the outcome of decoding it.
type Candidate struct {
	FirstLine int
	LastLine  int
	Record    Record
	Err       error
}

// Extract returns the first record in raw whose ids equal the expected ones.
func Extract(raw, studentID, assignmentID string) Result {
	res := Result{StudentID: studentID, AssignmentID: assignmentID}

	for _, c := range Scan(raw) {
		if c.Err != nil {
			res.Rejected++
			continue
		}
		if c.Record.StudentID != studentID || c.Record.AssignmentID != assignmentID {
			res.Foreign++
			continue
		}
		res.Score = c.Record.Score
		res.Total = c.Record.Total
		res.Output = c.Record.Output
		return res
	}

	res.Score = 0
	res.Total = FallbackTotal
	res.Output = raw
	res.Fallback = true
	return res
}

// Scan finds every candidate span in raw and decodes it.
func Scan(raw string) []Candidate {
	lines := strings.Split(raw, "\n")
	var out []Candidate

	for i := 0; i < len(lines); i++ {
		first := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(first, "{") || !strings.Contains(first, keyMarker) {
			continue
		}

		end, ok := spanEnd(lines, i)
		if !ok {
			out = append(out, Candidate{FirstLine: i, LastLine: i, Err: errors.New("record is never closed")})
			continue
		}

		rec, err := decode(strings.Join(lines[i:end+1], "\n"))
		out = append(out, Candidate{FirstLine: i, LastLine: end, Record: rec, Err: err})
		if err == nil {
			i = end
		}
	}
	return out
}

// spanEnd returns the index of the line closing the object opened on line
// start. Brace counting skips over string literals.
func spanEnd(lines []string, start int) (int, bool) {
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for j := start; j < len(lines) && j-start < maxSpanLines; j++ {
		for _, r := range lines[j] {
			switch {
			case escaped:
				escaped = false
			case inString && r == '\\':
				escaped = true
			case r == '"':
				inString = !inString
			case inString:
			case r == '{':
				depth++
			case r == '}':
				depth--
			}
		}
		// A raw newline cannot appear inside a JSON string; treat the
		// string as closed so a stray quote does not hide the closer.
		inString, escaped = false, false

		// Trailing text after the closing brace is left for decode to reject.
		if depth <= 0 {
			return j, true
		}
	}
	return 0, false
}

type wireRecord struct {
	StudentID    *string `json:"student_id"`
	AssignmentID *string `json:"assignment_id"`
	Score        *int    `json:"score"`
	Total        *int    `json:"total"`
	Output       *string `json:"output"`
}

var recordKeys = []string{"student_id", "assignment_id", "score", "total", "output"}

// checkKeys rejects a top-level key that appears twice. Keys are compared the
// way encoding/json matches them to fields, case-insensitively.
func checkKeys(span string) error {
	dec := json.NewDecoder(strings.NewReader(span))
	if tok, err := dec.Token(); err != nil {
		return fmt.Errorf("decode record: %w", err)
	} else if tok != json.Delim('{') {
		return errors.New("record is not an object")
	}

	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		key, _ := tok.(string)
		for _, k := range recordKeys {
			if strings.EqualFold(key, k) {
				key = k
				break
			}
		}
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		seen[key] = true

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
	}
	return nil
}

func decode(span string) (Record, error) {
	if err := checkKeys(span); err != nil {
		return Record{}, err
	}
	dec := json.NewDecoder(strings.NewReader(span))

	var w wireRecord
	if err := dec.Decode(&w); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Record{}, errors.New("trailing data after record")
	}

	switch {
	case w.StudentID == nil:
		return Record{}, fmt.Errorf("%w: student_id", ErrMissingField)
	case w.AssignmentID == nil:
		return Record{}, fmt.Errorf("%w: assignment_id", ErrMissingField)
	case w.Score == nil:
		return Record{}, fmt.Errorf("%w: score", ErrMissingField)
	case w.Total == nil:
		return Record{}, fmt.Errorf("%w: total", ErrMissingField)
	case *w.Score < 0:
		return Record{}, fmt.Errorf("%w: score %d is negative", ErrInvalidValue, *w.Score)
	case *w.Total <= 0:
		return Record{}, fmt.Errorf("%w: total %d is not positive", ErrInvalidValue, *w.Total)
	}

	rec := Record{
		StudentID:    *w.StudentID,
		AssignmentID: *w.AssignmentID,
		Score:        *w.Score,
		Total:        *w.Total,
	}
	if w.Output != nil {
		rec.Output = *w.Output
	}
	return rec, nil
}
