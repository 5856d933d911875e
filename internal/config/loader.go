package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envRef matches an escaped "$$" or a ${NAME} / ${NAME:-fallback} reference.
var envRef = regexp.MustCompile(`\$\$|\$\{([^}:]+)(?::-([^}]*))?\}`)

// LoadBootstrap loads, defaults and validates the bootstrap file at path.
func LoadBootstrap(path string) (*Bootstrap, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // path is validated via filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return ParseBootstrap(data)
}

// LoadBootstrapFromReader loads a bootstrap configuration from r.
func LoadBootstrapFromReader(r io.Reader) (*Bootstrap, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseBootstrap(data)
}

// ParseBootstrap substitutes environment variables in data, decodes it
// strictly and validates the result.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	content := substituteEnvVars(string(data))

	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)

	var b Bootstrap
	if err := dec.Decode(&b); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	b.ApplyDefaults()
	if err := ValidateBootstrap(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// substituteEnvVars expands environment references in content. Unset
// variables take their fallback, or the empty string. "$$" is a literal "$".
func substituteEnvVars(content string) string {
	return envRef.ReplaceAllStringFunc(content, func(ref string) string {
		if ref == "$$" {
			return "$"
		}
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		return m[2]
	})
}
