// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// registerFields walks the exported fields of varPtr (a pointer to a struct)
// and registers one command-line/YAML flag per field on m, using the matching
// field of defaultsPtr as the flag's default value. Fields that already
// implement flag.Value are wired directly; plain string/bool/int64/Duration
// fields get a generated flag.Value of the matching kind.
func registerFields(m *Module, varPtr, defaultsPtr interface{}) error {
	v := reflect.ValueOf(varPtr)
	d := reflect.ValueOf(defaultsPtr)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return configError("registerFields: varPtr must be a pointer to a struct, got %T", varPtr)
	}
	if d.Kind() == reflect.Ptr {
		d = d.Elem()
	}

	sv := v.Elem()
	st := sv.Type()

	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}

		fv := sv.Field(i)
		name := flagName(field.Name)
		usage := "configures " + field.Name

		if value, ok := fv.Addr().Interface().(flag.Value); ok {
			if d.IsValid() && d.FieldByName(field.Name).IsValid() {
				if dv, ok := d.FieldByName(field.Name).Addr().Interface().(flag.Value); ok {
					_ = value.Set(dv.String())
				}
			}
			m.Var(value, name, usage)
			continue
		}

		if d.IsValid() && d.Kind() == reflect.Struct {
			if df := d.FieldByName(field.Name); df.IsValid() && df.Type() == fv.Type() {
				fv.Set(df)
			}
		}

		if err := registerBuiltinKind(m, fv, name, usage); err != nil {
			return err
		}
	}

	return nil
}

// registerBuiltinKind handles the plain Go kinds that do not implement
// flag.Value themselves, including named types sharing a builtin underlying
// kind (e.g. a "type Sampling float64").
func registerBuiltinKind(m *Module, fv reflect.Value, name, usage string) error {
	if fv.Type() == reflect.TypeOf(time.Duration(0)) {
		ptr := fv.Addr().Interface().(*time.Duration)
		m.DurationVar(ptr, name, *ptr, usage)
		return nil
	}

	switch fv.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Float32, reflect.Float64:
		m.Var(&reflectValue{v: fv}, name, usage)
	case reflect.Map, reflect.Slice, reflect.Struct:
		// composite fields without a flag.Value implementation are configured
		// only via YAML, not the command line.
		return nil
	default:
		return configError("registerFields: field %q has unsupported kind %s", name, fv.Kind())
	}

	return nil
}

// reflectValue adapts an arbitrary addressable scalar reflect.Value,
// including named types with a builtin underlying kind, to flag.Value.
type reflectValue struct {
	v reflect.Value
}

func (r *reflectValue) String() string {
	if !r.v.IsValid() {
		return ""
	}
	switch r.v.Kind() {
	case reflect.String:
		return r.v.String()
	case reflect.Bool:
		return strconv.FormatBool(r.v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(r.v.Int(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(r.v.Float(), 'g', -1, 64)
	default:
		return ""
	}
}

func (r *reflectValue) Set(value string) error {
	switch r.v.Kind() {
	case reflect.String:
		r.v.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return configError("invalid bool value %q: %v", value, err)
		}
		r.v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return configError("invalid integer value %q: %v", value, err)
		}
		r.v.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return configError("invalid float value %q: %v", value, err)
		}
		r.v.SetFloat(f)
	default:
		return configError("unsupported field kind %s", r.v.Kind())
	}
	return nil
}

// flagName converts a Go exported field name (CamelCase) into a kebab-case
// command-line flag name, e.g. "JaegerCollector" -> "jaeger-collector".
func flagName(field string) string {
	var b strings.Builder
	runes := []rune(field)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
				b.WriteByte('-')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
