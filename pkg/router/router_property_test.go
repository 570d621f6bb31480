/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package router_test

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/router"
)

// TestRouter_RoundTrip verifies Match(Build(name, values)) yields the same route and values.
func TestRouter_RoundTrip(t *testing.T) {
	templates := map[string]string{
		"inbox":    "/users/{identifier}/inbox",
		"object":   "/objects/{+path}",
		"segments": "/c{/a}{/b}",
		"format":   "/notes/{id}{.format}",
		"matrix":   "/m{;x,y}",
		"query":    "/q/{id}{?page,limit}",
	}

	r := router.New()

	for name, tmpl := range templates {
		require.NoError(t, r.Register(name, tmpl))
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	value := gen.AnyString().Map(func(s string) string { return "v" + s })

	for name, tmpl := range templates {
		name := name

		parsed, err := router.ParseTemplate(tmpl)
		require.NoError(t, err)

		vars := parsed.Variables()

		properties.Property("round trip through "+tmpl, prop.ForAll(
			func(a, b, c string) bool {
				values := map[string]string{}
				for i, v := range []string{a, b, c}[:len(vars)] {
					values[vars[i]] = v
				}

				uri, err := r.Build(name, values)
				if err != nil {
					return false
				}

				m, ok := r.Match(uri)
				if !ok {
					return false
				}

				return m.Name == name && reflect.DeepEqual(m.Values, values)
			},
			value, value, value,
		))
	}

	properties.TestingRun(t)
}

// TestRouter_PercentEncodedSurvivesOneDecode verifies literal percent sequences in values are
// preserved rather than decoded a second time.
func TestRouter_PercentEncodedSurvivesOneDecode(t *testing.T) {
	r := router.New()
	require.NoError(t, r.Register("segments", "/c{/a}{/b}"))

	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("encoded octets stay encoded", prop.ForAll(
		func(hex1, hex2 string) bool {
			values := map[string]string{"a": "%" + hex1, "b": "%" + hex2}

			uri, err := r.Build("segments", values)
			if err != nil {
				return false
			}

			m, ok := r.Match(uri)

			return ok && reflect.DeepEqual(m.Values, values)
		},
		gen.OneConstOf("2F", "25", "3F", "41"),
		gen.OneConstOf("2f", "20", "23", "7E"),
	))

	properties.TestingRun(t)
}
