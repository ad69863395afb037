// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"agrosentinel/internal/types"
)

// ErrorType categorizes configuration loading failures to aid debugging.
type ErrorType string

const (
	// ErrParsing indicates a failure parsing environment variable values
	// into their target types.
	ErrParsing ErrorType = "PARSING_FAILED"
	// ErrValidation indicates the configuration failed struct validation.
	ErrValidation ErrorType = "VALIDATION_FAILED"
)

// Error is the diagnostic error type returned by Load.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Load loads and validates the configuration from the environment.
// A .env file in the working directory is merged in without overriding
// variables already set in the OS environment.
func Load() (*Config, error) {
	// Step 1: Enforce UTC timezone to prevent drift bugs.
	time.Local = time.UTC

	// Step 2: Load .env file (non-fatal if absent).
	_ = godotenv.Load()

	// Step 3: Process envconfig tags. The empty prefix means tags are read
	// verbatim (envconfig:"PORT" reads PORT directly).
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &Error{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	// Step 4: Validate the populated struct.
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &Error{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// ParseLocations parses MONITOR_LOCATIONS entries of the form "id:lat:lon"
// into Location structs. Malformed entries produce an error rather than
// being silently skipped: a typo here means a site silently unmonitored.
func ParseLocations(entries []string) ([]types.Location, error) {
	var out []types.Location
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("config: malformed location entry %q (want id:lat:lon)", entry)
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("config: bad latitude in %q: %w", entry, err)
		}
		lon, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("config: bad longitude in %q: %w", entry, err)
		}
		out = append(out, types.Location{ID: parts[0], Lat: lat, Lon: lon})
	}
	return out, nil
}
