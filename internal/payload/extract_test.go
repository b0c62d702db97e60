package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, raw string) Value {
	t.Helper()
	v, err := Parse([]byte(raw), "application/json")
	require.NoError(t, err)
	return v
}

func TestExtractNumbersUseExponentAtExtremes(t *testing.T) {
	cases := map[float64]string{
		1e21:                "1e+21",
		1.5e22:              "1.5e+22",
		999999999999999e6:   "999999999999999000000",
		1e-6:                "0.000001",
		1e-7:                "1e-7",
		-2.5e-8:             "-2.5e-8",
		0:                   "0",
	}
	for n, want := range cases {
		assert.Equal(t, want, Extract(NumberValue(n)), "%g", n)
	}
	assert.Equal(t, "1e+21", Extract(mustJSON(t, `1e21`)))
}

func TestExtractScalars(t *testing.T) {
	assert.Equal(t, "", Extract(NullValue()))
	assert.Equal(t, "hello", Extract(StringValue("hello")))
	assert.Equal(t, "42", Extract(NumberValue(42)))
	assert.Equal(t, "1.5", Extract(NumberValue(1.5)))
	assert.Equal(t, "-0.25", Extract(NumberValue(-0.25)))
	assert.Equal(t, "true", Extract(BoolValue(true)))
	assert.Equal(t, "false", Extract(mustJSON(t, `false`)))
	assert.Equal(t, "", Extract(mustJSON(t, `null`)))
}

func TestExtractCandidatePriority(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"output", `{"text":"t","output":"o"}`, "o"},
		{"text over message", `{"message":"m","text":"t","extra":1}`, "t"},
		{"message", `{"reply":"r","message":"m"}`, "m"},
		{"reply", `{"result":"x","reply":"r"}`, "r"},
		{"result", `{"response":"p","result":"x"}`, "x"},
		{"response", `{"content":"c","response":"p"}`, "p"},
		{"content", `{"foo":"bar","content":"c"}`, "c"},
		{"data.output", `{"data":{"text":"dt","output":"do"}}`, "do"},
		{"data.text", `{"data":{"message":"dm","text":"dt"}}`, "dt"},
		{"data.message", `{"data":{"message":"dm"},"n":2}`, "dm"},
		{"non-string candidate skipped", `{"output":{"x":1},"text":"t"}`, "t"},
		{"numeric candidate skipped", `{"output":3,"reply":"r"}`, "r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(mustJSON(t, tt.raw)))
		})
	}
}

func TestExtractArrayReturnsFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "hello", Extract(mustJSON(t, `["", {"foo":1}, "hello"]`)))
	assert.Equal(t, "first", Extract(mustJSON(t, `[{"output":"first"},{"output":"second"}]`)))
	assert.Equal(t, "nested", Extract(mustJSON(t, `[[null, ["nested"]]]`)))
	assert.Equal(t, "", Extract(mustJSON(t, `[]`)))
}

func TestExtractSingleStringKey(t *testing.T) {
	assert.Equal(t, "value", Extract(mustJSON(t, `{"single":"value"}`)))
	assert.Equal(t, "", Extract(mustJSON(t, `{"single":1}`)))
	assert.Equal(t, "", Extract(mustJSON(t, `{"a":"x","b":"y"}`)))
}

func TestExtractUnmatchedShapes(t *testing.T) {
	assert.Equal(t, "", Extract(mustJSON(t, `{}`)))
	assert.Equal(t, "", Extract(mustJSON(t, `{"data":{"other":"x"},"id":7}`)))
	assert.Equal(t, "", Extract(Value{kind: Kind(99)}))
}

func TestExtractOrFallback(t *testing.T) {
	assert.Equal(t, Fallback, ExtractOrFallback(NullValue()))
	assert.Equal(t, Fallback, ExtractOrFallback(mustJSON(t, `{"a":1,"b":2}`)))
	assert.Equal(t, "ok", ExtractOrFallback(StringValue("ok")))
}

func TestParse(t *testing.T) {
	v, err := Parse([]byte(`{"output":"x"}`), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, String, v.Kind())
	assert.Equal(t, `{"output":"x"}`, Extract(v))

	v, err = Parse([]byte(`{"output":"x"}`), "application/json; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, Object, v.Kind())
	assert.Equal(t, "x", Extract(v))

	v, err = Parse([]byte("  "), "application/json")
	require.NoError(t, err)
	assert.Equal(t, Null, v.Kind())

	_, err = Parse([]byte(`{"output":`), "application/json")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestObjectKeepsKeyOrder(t *testing.T) {
	v := mustJSON(t, `{"b":1,"a":2,"c":3}`)
	keys := make([]string, 0, 3)
	for _, f := range v.Fields() {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"b", "a", "c"}, keys)
}
