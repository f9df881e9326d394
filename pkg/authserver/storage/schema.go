// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"embed"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

//go:embed schemas/*.json
var embedSchemas embed.FS

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
	kindBool
	kindJSON
)

func (k fieldKind) numeric() bool {
	return k == kindInt || k == kindFloat
}

type field struct {
	name string
	kind fieldKind
}

// Schema describes one collection: its name, its natural lookup key, the
// fields of its record type and the compiled JSON schema the persisted shape
// must satisfy.
type Schema struct {
	Name string
	// Key is the natural key. It is unique within the collection.
	Key string

	fields []field
	byName map[string]field
	output *gojsonschema.Schema
}

// Collection schemas, compiled once at start-up.
var (
	AuthorizationCodeSchema = mustSchema[*AuthorizationCode](CollectionAuthorizationCodes, "code")
	AccessTokenSchema       = mustSchema[*AccessToken](CollectionAccessTokens, "jti")
	RefreshTokenSchema      = mustSchema[*RefreshToken](CollectionRefreshTokens, "refresh_token")
	ClientApplicationSchema = mustSchema[*ClientApplication](CollectionClientApplications, "client_id")
	UserProfileSchema       = mustSchema[*UserProfile](CollectionUserProfiles, "me")
)

func mustSchema[R Record](name, key string) *Schema {
	s, err := newSchema[R](name, key)
	if err != nil {
		panic(err)
	}
	return s
}

func newSchema[R Record](name, key string) (*Schema, error) {
	t := reflect.TypeFor[R]()
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("record type %s must be a pointer to a struct", t)
	}

	s := &Schema{Name: name, Key: key, byName: make(map[string]field)}
	collectFields(t.Elem(), s)
	if _, ok := s.byName[key]; !ok {
		return nil, fmt.Errorf("collection %s: key field %q is not a field of %s", name, key, t.Elem())
	}

	raw, err := embedSchemas.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("collection %s: failed to read schema: %w", name, err)
	}
	s.output, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("collection %s: failed to compile schema: %w", name, err)
	}
	return s, nil
}

func collectFields(t reflect.Type, s *Schema) {
	for i := range t.NumField() {
		sf := t.Field(i)
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			collectFields(sf.Type, s)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		f := field{name: name, kind: kindOf(sf.Type)}
		s.fields = append(s.fields, f)
		s.byName[name] = f
	}
}

func kindOf(t reflect.Type) fieldKind {
	switch t.Kind() {
	case reflect.String:
		return kindString
	case reflect.Bool:
		return kindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindInt
	case reflect.Float32, reflect.Float64:
		return kindFloat
	default:
		return kindJSON
	}
}

// accepts reports whether v, already normalized, can be stored in a field
// of kind k. Nil is accepted for every kind.
func (k fieldKind) accepts(v any) bool {
	if v == nil {
		return true
	}
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindInt:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	case kindFloat:
		_, ok := v.(float64)
		return ok
	default:
		return true
	}
}

// FieldNames returns the persisted field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.name
	}
	return names
}

func (s *Schema) lookup(name string) (field, error) {
	f, ok := s.byName[name]
	if !ok {
		return field{}, autherrors.NewValidationError(
			fmt.Sprintf("collection %s has no field %q", s.Name, name), nil)
	}
	return f, nil
}

// validateOutput checks the persisted shape of a record.
func (s *Schema) validateOutput(fields map[string]any) error {
	result, err := s.output.Validate(gojsonschema.NewGoLoader(fields))
	if err != nil {
		return autherrors.NewValidationError(fmt.Sprintf("collection %s: schema validation failed", s.Name), err)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return autherrors.NewValidationError(
		fmt.Sprintf("collection %s: stored record does not match schema: %s", s.Name, strings.Join(problems, "; ")), nil)
}
