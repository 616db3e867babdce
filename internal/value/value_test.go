package value

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeObject_KeepsOrderAndKinds(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"z":"x","b":3,"f":1.5,"t":true,"n":null,"c":{"k": 1},"arr":[1, 2]}`))
	require.NoError(t, err)

	keys := make([]string, len(obj))
	for i, f := range obj {
		keys[i] = f.Key
	}
	assert.Equal(t, []string{"z", "b", "f", "t", "n", "c", "arr"}, keys)

	kinds := map[string]Kind{
		"z": KindString, "b": KindInt, "f": KindFloat, "t": KindBool,
		"n": KindNull, "c": KindComposite, "arr": KindComposite,
	}
	for key, want := range kinds {
		v, ok := obj.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, v.Kind(), key)
	}

	c, _ := obj.Get("c")
	assert.Equal(t, `{"k":1}`, c.String())
	arr, _ := obj.Get("arr")
	assert.Equal(t, `[1,2]`, arr.String())
}

func TestDecodeObject_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"empty", "", ErrEmpty},
		{"whitespace", "  \n", ErrEmpty},
		{"array", `[{"a":1}]`, ErrNotObject},
		{"scalar", `42`, ErrNotObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeObject([]byte(tt.body))
			require.ErrorIs(t, err, tt.want)
		})
	}

	for _, bad := range []string{`{"a":}`, `{"a":1`, `{"a":1} trailing`, `{"a":1}{"b":2}`} {
		_, err := DecodeObject([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestDecodeObject_DuplicateKeyKeepsLastValue(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"a":1,"b":2,"a":3}`))
	require.NoError(t, err)
	require.Len(t, obj, 2)
	assert.Equal(t, "a", obj[0].Key)
	assert.Equal(t, int64(3), obj[0].Value.Storage())
}

func TestDecodeObject_HugeNumberKeptAsText(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"big":1e400}`))
	require.NoError(t, err)
	v, _ := obj.Get("big")
	assert.Equal(t, KindString, v.Kind())
	assert.Equal(t, "1e400", v.String())
}

func TestFlatten(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"a":"x","b":3,"c":{"k":1},"ok":false,"yes":true,"id":99,"raw_json":"spoof","!!":1,"A":"dup","user name":"bob"}`))
	require.NoError(t, err)

	row := Flatten(obj)
	assert.Equal(t, []string{"a", "b", "c", "ok", "yes", "username"}, row.Names())

	storage := make(map[string]any, len(row))
	for _, c := range row {
		storage[c.Name.String()] = c.Value.Storage()
	}
	assert.Equal(t, "x", storage["a"])
	assert.Equal(t, int64(3), storage["b"])
	assert.Equal(t, `{"k":1}`, storage["c"])
	assert.Equal(t, int64(0), storage["ok"])
	assert.Equal(t, int64(1), storage["yes"])
	assert.Equal(t, "bob", storage["username"])
}

func TestFlatten_OnlyScalarKindsRemain(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"a":[1],"b":{"x":true},"c":true,"d":null}`))
	require.NoError(t, err)
	for _, c := range Flatten(obj) {
		assert.NotEqual(t, KindBool, c.Value.Kind())
		assert.NotEqual(t, KindComposite, c.Value.Kind())
	}
}

func TestProperty_FlattenDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("the same object always flattens to the same row", prop.ForAll(
		func(m map[string]string) bool {
			body, err := json.Marshal(m)
			if err != nil {
				return false
			}
			a, err := DecodeObject(body)
			if err != nil {
				return false
			}
			b, err := DecodeObject(body)
			if err != nil {
				return false
			}
			ra, rb := Flatten(a), Flatten(b)
			if len(ra) != len(rb) {
				return false
			}
			for i := range ra {
				if ra[i].Name != rb[i].Name || ra[i].Value != rb[i].Value {
					return false
				}
			}
			return true
		},
		gen.MapOf(gen.AnyString(), gen.AlphaString()),
	))

	properties.Property("flattened names are unique ignoring case", prop.ForAll(
		func(m map[string]int) bool {
			body, _ := json.Marshal(m)
			obj, err := DecodeObject(body)
			if err != nil {
				return false
			}
			seen := map[string]bool{}
			for _, c := range Flatten(obj) {
				key := c.Name.String()
				for k := range seen {
					if equalFold(k, key) {
						return false
					}
				}
				seen[key] = true
			}
			return true
		},
		gen.MapOf(gen.AlphaString(), gen.Int()),
	))

	properties.TestingRun(t)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
