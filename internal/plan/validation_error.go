package plan

import (
	"fmt"
	"io"
	"strings"
)

// FieldError is one problem in a plan, located by its YAML path.
type FieldError struct {
	Path    string
	Message string
}

func (e FieldError) String() string { return e.Path + ": " + e.Message }

// ValidationErrors collects every problem found in a plan.
type ValidationErrors struct {
	Fields []FieldError
}

func (ve *ValidationErrors) Add(path, message string) {
	ve.Fields = append(ve.Fields, FieldError{Path: path, Message: message})
}

func (ve *ValidationErrors) Addf(path, format string, args ...any) {
	ve.Add(path, fmt.Sprintf(format, args...))
}

func (ve *ValidationErrors) HasErrors() bool { return len(ve.Fields) > 0 }

// Paths lists the locations of every problem in the order found.
func (ve *ValidationErrors) Paths() []string {
	out := make([]string, len(ve.Fields))
	for i, f := range ve.Fields {
		out[i] = f.Path
	}
	return out
}

func (ve *ValidationErrors) Error() string {
	if len(ve.Fields) == 1 {
		return "invalid plan: " + ve.Fields[0].String()
	}
	parts := make([]string, len(ve.Fields))
	for i, f := range ve.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("invalid plan (%d problems): %s", len(ve.Fields), strings.Join(parts, "; "))
}

// WriteTo prints one "error: <path>: <message>" line per problem.
func (ve *ValidationErrors) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, f := range ve.Fields {
		m, err := fmt.Fprintf(w, "error: %s\n", f)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
