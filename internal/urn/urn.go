package urn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Prefix is the literal every AIR identifier starts with.
const Prefix = "urn:air:"

// Parse errors. A *ParseError always unwraps to one of these.
var (
	ErrInvalidPrefix  = errors.New("urn: missing urn:air: prefix")
	ErrMissingField   = errors.New("urn: missing required field")
	ErrInvalidID      = errors.New("urn: id must be a positive integer")
	ErrInvalidVersion = errors.New("urn: version must be a positive integer")
	ErrInvalidLayer   = errors.New("urn: invalid layer segment")
	ErrInvalidFormat  = errors.New("urn: invalid format suffix")
)

// Field names reported by ParseError.
const (
	FieldEcosystem = "ecosystem"
	FieldType      = "type"
	FieldSource    = "source"
	FieldID        = "id"
	FieldVersion   = "version"
	FieldLayer     = "layer"
	FieldFormat    = "format"
)

var requiredFields = []string{FieldEcosystem, FieldType, FieldSource, FieldID}

// ParseError describes why a raw identifier was rejected.
type ParseError struct {
	Input string
	Field string // empty for prefix errors
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v (input %q)", e.Err, e.Input)
	}
	return fmt.Sprintf("%v: %s (input %q)", e.Err, e.Field, e.Input)
}

func (e *ParseError) Unwrap() error { return e.Err }

// URN is a parsed AIR identifier:
//
//	urn:air:{ecosystem}:{type}:{source}:{id}[@{version}][:{layer}][.{format}]
//
// Version is zero when the identifier does not pin one (meaning "latest").
// Layer and Format are empty when absent.
type URN struct {
	Ecosystem string
	Type      string
	Source    string
	ID        uint64
	Version   uint64
	Layer     string
	Format    string
}

// HasVersion reports whether the identifier pins a specific version.
func (u URN) HasVersion() bool { return u.Version > 0 }

// String renders the canonical form. Parse(u.String()) yields u for any valid u.
func (u URN) String() string {
	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString(u.Ecosystem)
	b.WriteByte(':')
	b.WriteString(u.Type)
	b.WriteByte(':')
	b.WriteString(u.Source)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(u.ID, 10))
	if u.HasVersion() {
		b.WriteByte('@')
		b.WriteString(strconv.FormatUint(u.Version, 10))
	}
	if u.Layer != "" {
		b.WriteByte(':')
		b.WriteString(u.Layer)
	}
	if u.Format != "" {
		b.WriteByte('.')
		b.WriteString(u.Format)
	}
	return b.String()
}

// Parse validates raw and returns the structured identifier.
// Surrounding whitespace is ignored; everything else is case-preserving.
func Parse(raw string) (URN, error) {
	input := strings.TrimSpace(raw)
	fail := func(field string, err error) (URN, error) {
		return URN{}, &ParseError{Input: raw, Field: field, Err: err}
	}

	if !strings.HasPrefix(input, Prefix) {
		return fail("", ErrInvalidPrefix)
	}
	parts := strings.Split(strings.TrimPrefix(input, Prefix), ":")

	// The format suffix lives on whichever segment comes last.
	var u URN
	last := len(parts) - 1
	if last >= len(requiredFields)-1 {
		if i := strings.LastIndexByte(parts[last], '.'); i >= 0 {
			u.Format = parts[last][i+1:]
			parts[last] = parts[last][:i]
			if u.Format == "" || strings.ContainsAny(u.Format, "@") {
				return fail(FieldFormat, ErrInvalidFormat)
			}
		}
	}

	for i, name := range requiredFields {
		if i >= len(parts) || parts[i] == "" {
			return fail(name, ErrMissingField)
		}
	}
	u.Ecosystem, u.Type, u.Source = parts[0], parts[1], parts[2]

	idPart, versionPart, pinned := strings.Cut(parts[3], "@")
	id, err := parsePositive(idPart)
	if err != nil {
		return fail(FieldID, ErrInvalidID)
	}
	u.ID = id
	if pinned {
		version, err := parsePositive(versionPart)
		if err != nil {
			return fail(FieldVersion, ErrInvalidVersion)
		}
		u.Version = version
	}

	switch len(parts) {
	case 4:
	case 5:
		if parts[4] == "" || strings.ContainsAny(parts[4], "@") {
			return fail(FieldLayer, ErrInvalidLayer)
		}
		u.Layer = parts[4]
	default:
		return fail(FieldLayer, ErrInvalidLayer)
	}
	return u, nil
}

// MustParse is Parse for identifiers known to be valid, such as test fixtures.
func MustParse(raw string) URN {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func parsePositive(s string) (uint64, error) {
	// ParseUint accepts neither signs nor spaces, which is what we want.
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("zero")
	}
	return n, nil
}
