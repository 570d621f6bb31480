/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package activity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const follow = `{
  "@context": "https://www.w3.org/ns/activitystreams",
  "id": "https://a.example/activities/1",
  "type": ["Follow", "Activity"],
  "actor": {"id": "https://a.example/users/alice", "type": "Person"},
  "object": "https://b.example/users/bob",
  "to": ["https://b.example/users/bob", "https://www.w3.org/ns/activitystreams#Public"],
  "cc": "https://b.example/users/bob",
  "proof": [{"type": "DataIntegrityProof"}]
}`

func TestParse(t *testing.T) {
	a, err := Parse([]byte(follow))
	require.NoError(t, err)

	require.Equal(t, "https://a.example/activities/1", a.ID())
	require.Equal(t, "Follow", a.Type())
	require.Equal(t, []string{"Follow", "Activity"}, a.Types())
	require.Equal(t, "https://a.example/users/alice", a.Actor())
	require.Equal(t, []string{"https://b.example/users/bob"}, a.ObjectIDs())
	require.Equal(t, []string{"https://b.example/users/bob", PublicCollection}, a.Recipients())
	require.True(t, a.HasProof())
	require.False(t, a.HasLDSignature())
	require.Equal(t, []byte(follow), a.Bytes())
}

func TestParse_Malformed(t *testing.T) {
	for _, body := range []string{"", "[]", "null", "{"} {
		_, err := Parse([]byte(body))
		require.True(t, errors.Is(err, ErrMalformed), body)
	}
}

func TestNew(t *testing.T) {
	a, err := New(Document{"@id": "https://a.example/x", "@type": "Note", "signature": map[string]interface{}{}})
	require.NoError(t, err)
	require.Equal(t, "https://a.example/x", a.ID())
	require.Equal(t, "Note", a.Type())
	require.Equal(t, "", a.Actor())
	require.True(t, a.HasLDSignature())
	require.False(t, a.HasProof())
	require.JSONEq(t, `{"@id":"https://a.example/x","@type":"Note","signature":{}}`, string(a.Bytes()))

	_, err = New(Document{"bad": func() {}})
	require.Error(t, err)
}

func TestIDs(t *testing.T) {
	require.Nil(t, IDs(nil))
	require.Nil(t, IDs(map[string]interface{}{"type": "Note"}))
	require.Equal(t, []string{"a", "b", "c"}, IDs([]interface{}{"a", map[string]interface{}{"id": "b"},
		[]interface{}{"c"}, 42}))
	require.Equal(t, []string{"x"}, Strings([]interface{}{"x", 1}))
	require.Nil(t, Strings(1))
}

func TestDocument_Clone(t *testing.T) {
	doc := Document{"a": map[string]interface{}{"b": []interface{}{"c"}}, "d": Document{"e": "f"}}
	clone := doc.Clone()

	clone["a"].(map[string]interface{})["b"].([]interface{})[0] = "changed"
	clone["d"].(Document)["e"] = "changed"

	require.Equal(t, "c", doc["a"].(map[string]interface{})["b"].([]interface{})[0])
	require.Equal(t, "f", doc["d"].(Document)["e"])
}

func TestActivity_Document(t *testing.T) {
	a, err := Parse([]byte(`{"type":"Create","actor":["https://a.example/u"]}`))
	require.NoError(t, err)
	require.Equal(t, "Create", a.Document().Types()[0])
	require.Equal(t, "https://a.example/u", a.Actor())

	empty, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "", empty.Type())
}
