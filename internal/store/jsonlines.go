package store

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/524D/mzalign/internal/consensus"
)

// JSONLines writes one JSON object per feature and line
type JSONLines struct {
	w    *bufio.Writer
	c    io.Closer
	enc  *json.Encoder
	next int64
	path string // removed on Abort
}

type record struct {
	ID int64 `json:"id"`
	*consensus.Feature
}

// NewJSONLines creates a store writing to wc. IDs start at 1.
func NewJSONLines(wc io.WriteCloser) *JSONLines {
	w := bufio.NewWriter(wc)
	return &JSONLines{w: w, c: wc, enc: json.NewEncoder(w), next: 1}
}

// Put implements Store
func (s *JSONLines) Put(ctx context.Context, f *consensus.Feature) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := s.next
	if err := s.enc.Encode(record{ID: id, Feature: f}); err != nil {
		return 0, errors.Wrap(err, "encode feature")
	}
	s.next++
	return id, nil
}

// Close flushes the output and closes the underlying writer
func (s *JSONLines) Close() error {
	var result *multierror.Error
	if err := s.w.Flush(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "flush"))
	}
	if err := s.c.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close"))
	}
	return result.ErrorOrNil()
}

// Abort closes the output and removes it if it is a file created by Open.
// Lines already written to a stream cannot be taken back.
func (s *JSONLines) Abort() error {
	var result *multierror.Error
	if err := s.c.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close"))
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, errors.Wrap(err, "remove output"))
		}
	}
	return result.ErrorOrNil()
}
