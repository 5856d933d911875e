package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyDataSource is returned when a data source resolves to no content
// and empty content is not allowed.
var ErrEmptyDataSource = errors.New("data source is empty")

// ValidationError is a single invalid field. Path is the dotted field path
// relative to whatever validated it.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// under returns a copy of e rooted at prefix.
func (e *ValidationError) under(prefix string) *ValidationError {
	if prefix == "" {
		return &ValidationError{Path: e.Path, Message: e.Message}
	}
	if e.Path == "" {
		return &ValidationError{Path: prefix, Message: e.Message}
	}
	return &ValidationError{Path: prefix + "." + e.Path, Message: e.Message}
}

// ValidationErrors collects every problem found in a bootstrap.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}

	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("%d validation errors:", len(e)))
	for i := range e {
		lines = append(lines, fmt.Sprintf("  %d. %s", i+1, e[i].Error()))
	}
	return strings.Join(lines, "\n") + "\n"
}

// HasErrors reports whether anything was collected.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// add records err under path. Nil errors are ignored.
func (e *ValidationErrors) add(path string, err error) {
	if err == nil {
		return
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		*e = append(*e, *ve.under(path))
		return
	}
	*e = append(*e, ValidationError{Path: path, Message: err.Error()})
}

func prefixError(prefix string, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.under(prefix)
	}
	return fmt.Errorf("%s: %w", prefix, err)
}
