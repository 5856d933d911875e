package config

import (
	"fmt"
	"os"
)

// ReadDataSource returns the content of the data source. A nil or unset data
// source yields empty content. Empty content is an error unless allowEmpty.
func ReadDataSource(ds *DataSource, allowEmpty bool) ([]byte, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	var data []byte
	switch {
	case ds == nil:
	case ds.Filename != "":
		content, err := os.ReadFile(ds.Filename) //nolint:gosec // path comes from operator configuration
		if err != nil {
			return nil, fmt.Errorf("failed to read data source %s: %w", ds.Filename, err)
		}
		data = content
	case len(ds.InlineBytes) > 0:
		data = append([]byte(nil), ds.InlineBytes...)
	case ds.InlineString != "":
		data = []byte(ds.InlineString)
	}

	if len(data) == 0 && !allowEmpty {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDataSource, ds.Target())
	}
	return data, nil
}

// ReadDataSourceString is ReadDataSource returning a string.
func ReadDataSourceString(ds *DataSource, allowEmpty bool) (string, error) {
	data, err := ReadDataSource(ds, allowEmpty)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
