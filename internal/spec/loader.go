package spec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	openapi2 "github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// ErrorCode categorizes parse errors for clearer handling and messaging.
type ErrorCode string

const (
	InputError      ErrorCode = "InputError"
	NetworkError    ErrorCode = "NetworkError"
	SyntaxError     ErrorCode = "SyntaxError"
	ValidationError ErrorCode = "ValidationError"
	ConversionError ErrorCode = "ConversionError"
)

// ParseError is a structured error for a specification document that could
// not be loaded under any supported dialect.
type ParseError struct {
	Code     ErrorCode
	Message  string
	Location string // file path or URL
	Cause    error
}

func (e *ParseError) Error() string { return e.Message }
func (e *ParseError) Unwrap() error { return e.Cause }

// dialect identifies the source schema dialect of a document.
type dialect int

const (
	dialectUnknown dialect = iota
	dialectSwagger2        // flat "definitions" dialect
	dialectOpenAPI3        // grouped "components" dialect
)

// detectDialect inspects the version markers of a raw document.
func detectDialect(data []byte) (dialect, error) {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return dialectUnknown, fmt.Errorf("parse document: %w", err)
	}
	if v, ok := root["openapi"]; ok {
		if s, _ := v.(string); strings.HasPrefix(strings.TrimSpace(s), "3.") {
			return dialectOpenAPI3, nil
		}
	}
	if v, ok := root["swagger"]; ok {
		if s, _ := v.(string); strings.HasPrefix(strings.TrimSpace(s), "2.") {
			return dialectSwagger2, nil
		}
	}
	return dialectUnknown, fmt.Errorf("missing or unknown version marker (expected 'openapi: 3.x' or 'swagger: 2.0')")
}

// loadDocument reads one specification input (filesystem path or http/https
// URL), detects its dialect, and returns the validated OpenAPI v3 view.
func loadDocument(ctx context.Context, input string, httpTimeout time.Duration) (*openapi3.T, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &ParseError{Code: InputError, Message: "spec: input is empty"}
	}

	u, uerr := url.Parse(input)
	isURL := uerr == nil && u.Scheme != "" && u.Host != ""

	var raw []byte
	var location string
	if isURL {
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return nil, &ParseError{Code: InputError, Message: fmt.Sprintf("spec: unsupported URL scheme %q", scheme), Location: input}
		}
		body, err := fetch(ctx, input, httpTimeout)
		if err != nil {
			return nil, &ParseError{Code: NetworkError, Message: fmt.Sprintf("fetch %s: %v", input, err), Location: input, Cause: err}
		}
		raw = body
		location = input
	} else {
		abs, err := filepath.Abs(input)
		if err != nil {
			return nil, &ParseError{Code: InputError, Message: fmt.Sprintf("resolve path: %v", err), Location: input, Cause: err}
		}
		body, err := os.ReadFile(abs)
		if err != nil {
			return nil, &ParseError{Code: InputError, Message: fmt.Sprintf("read file %s: %v", abs, err), Location: abs, Cause: err}
		}
		raw = body
		location = abs
	}

	return parseDocument(ctx, raw, location)
}

// parseDocument builds the v3 view of a raw document, converting Swagger 2.0
// inputs via kin-openapi so both dialects produce identical shapes.
func parseDocument(ctx context.Context, raw []byte, location string) (*openapi3.T, error) {
	d, derr := detectDialect(raw)
	if derr != nil {
		return nil, &ParseError{Code: SyntaxError, Message: derr.Error(), Location: location, Cause: derr}
	}

	switch d {
	case dialectOpenAPI3:
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData(raw)
		if err != nil {
			return nil, &ParseError{Code: SyntaxError, Message: err.Error(), Location: location, Cause: err}
		}
		if err := doc.Validate(ctx); err != nil {
			if !canProceedDespiteValidation(err) {
				return nil, &ParseError{Code: ValidationError, Message: err.Error(), Location: location, Cause: err}
			}
		}
		return doc, nil
	case dialectSwagger2:
		var v2 openapi2.T
		if err := yaml.Unmarshal(raw, &v2); err != nil {
			return nil, &ParseError{Code: SyntaxError, Message: err.Error(), Location: location, Cause: err}
		}
		doc, err := openapi2conv.ToV3(&v2)
		if err != nil {
			return nil, &ParseError{Code: ConversionError, Message: fmt.Sprintf("convert v2 to v3: %v", err), Location: location, Cause: err}
		}
		if err := doc.Validate(ctx); err != nil {
			if !canProceedDespiteValidation(err) {
				return nil, &ParseError{Code: ValidationError, Message: err.Error(), Location: location, Cause: err}
			}
		}
		return doc, nil
	default:
		return nil, &ParseError{Code: SyntaxError, Message: "spec: unknown or unsupported OpenAPI/Swagger version", Location: location}
	}
}

func fetch(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

// canProceedDespiteValidation returns true for validation errors where a
// best-effort build can still proceed (e.g., unresolved $ref entries).
func canProceedDespiteValidation(err error) bool {
	if err == nil {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unresolved ref") || strings.Contains(s, "found unresolved ref")
}
