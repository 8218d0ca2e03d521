package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ContactInput is one raw recipient as supplied by a caller.
type ContactInput struct {
	Phone     string            `json:"phone"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ContactSource yields contacts one at a time and returns io.EOF when done,
// so creation never needs the whole list in memory.
type ContactSource interface {
	Next() (ContactInput, error)
}

type sliceSource struct {
	items []ContactInput
	pos   int
}

func NewSliceSource(items []ContactInput) ContactSource {
	return &sliceSource{items: items}
}

func (s *sliceSource) Next() (ContactInput, error) {
	if s.pos >= len(s.items) {
		return ContactInput{}, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

type csvSource struct {
	r      *csv.Reader
	header []string
}

// NewCSVSource reads a CSV whose first row is a header. The first column is
// the phone number; every other column becomes a variable named by its header.
func NewCSVSource(r io.Reader) (ContactSource, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv is empty")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	return &csvSource{r: cr, header: header}, nil
}

func (s *csvSource) Next() (ContactInput, error) {
	for {
		record, err := s.r.Read()
		if err != nil {
			return ContactInput{}, err
		}
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}
		in := ContactInput{Phone: record[0]}
		for i := 1; i < len(record) && i < len(s.header); i++ {
			if s.header[i] == "" {
				continue
			}
			if in.Variables == nil {
				in.Variables = map[string]string{}
			}
			in.Variables[s.header[i]] = strings.TrimSpace(record[i])
		}
		return in, nil
	}
}
