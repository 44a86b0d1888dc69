// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"reflect"
	"strings"
)

// schemaOf walks a settings struct's fields and renders their json names,
// Go types, and validate constraints into a UI-consumable schema.
func schemaOf(doc any, restartFields []string) []FieldSchema {
	restart := map[string]bool{}
	for _, f := range restartFields {
		restart[f] = true
	}
	t := reflect.TypeOf(doc)
	out := make([]FieldSchema, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		out = append(out, FieldSchema{
			Name:            name,
			Type:            f.Type.Kind().String(),
			Constraint:      f.Tag.Get("validate"),
			RestartRequired: restart[name],
		})
	}
	return out
}

// diffFields returns the json names of fields whose values differ between
// two documents, in declaration order.
func diffFields(a, b Settings) []string {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	out := []string{}
	for i := 0; i < t.NumField(); i++ {
		if va.Field(i).Interface() == vb.Field(i).Interface() {
			continue
		}
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name != "" && name != "-" {
			out = append(out, name)
		}
	}
	return out
}
