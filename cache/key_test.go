package cache

import (
	"testing"

	"github.com/mirage-ai/mirage/shape"
)

func mustShape(t *testing.T, raw string) shape.Descriptor {
	t.Helper()
	d, err := shape.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return d
}

func TestKeyIgnoresShapeWhitespace(t *testing.T) {
	compact := mustShape(t, `{"id":1,"name":"x"}`)
	spaced := mustShape(t, "{\n  \"id\": 1,\n  \"name\": \"x\"\n}")

	if NewKey("GET", "/users", compact) != NewKey("GET", "/users", spaced) {
		t.Error("whitespace-only shape differences must not split cache entries")
	}
}

func TestKeyIgnoresShapeKeyOrder(t *testing.T) {
	a := mustShape(t, `{"id":1,"name":"x"}`)
	b := mustShape(t, `{"name":"x","id":1}`)

	if NewKey("GET", "/users", a) != NewKey("GET", "/users", b) {
		t.Error("object key order must not split cache entries")
	}
}

func TestKeyIgnoresCacheDirective(t *testing.T) {
	plain := mustShape(t, `{"id":1}`)
	for _, raw := range []string{
		`{"id":1,"x-mirage-cache":3}`,
		`{"id":1,"x-mirage-cache":10}`,
		`{"id":1,"x-mirage-cache":3,"x-mirage-nochunk":true}`,
		`{"id":1,"x-mirage-priority":"high"}`,
	} {
		if NewKey("GET", "/users", mustShape(t, raw)) != NewKey("GET", "/users", plain) {
			t.Errorf("directives must not affect the key: %s", raw)
		}
	}
}

func TestKeyIgnoresCacheQueryParams(t *testing.T) {
	d := mustShape(t, `{"id":1}`)

	base := NewKey("GET", "/users?limit=3", d)
	if NewKey("GET", "/users?limit=3&cache=5", d) != base {
		t.Error("cache query param must not affect the key")
	}
	if NewKey("GET", "/users?nochunk=true&limit=3", d) != base {
		t.Error("nochunk query param must not affect the key")
	}
}

func TestKeyNormalizesQueryOrderAndMethodCase(t *testing.T) {
	d := mustShape(t, `{"id":1}`)

	if NewKey("GET", "/users?a=1&b=2", d) != NewKey("get", "/users?b=2&a=1", d) {
		t.Error("query parameter order and method case must not split cache entries")
	}
}

func TestKeyNormalizesTrailingSlash(t *testing.T) {
	d := mustShape(t, `{"id":1}`)

	if NewKey("GET", "/users/", d) != NewKey("GET", "/users", d) {
		t.Error("trailing slash must not split cache entries")
	}
}

func TestKeyDistinguishesRealDifferences(t *testing.T) {
	a := mustShape(t, `{"id":1}`)
	b := mustShape(t, `{"id":2}`)

	base := NewKey("GET", "/users", a)
	if NewKey("GET", "/users", b) == base {
		t.Error("different shapes must have different keys")
	}
	if NewKey("POST", "/users", a) == base {
		t.Error("different methods must have different keys")
	}
	if NewKey("GET", "/orders", a) == base {
		t.Error("different paths must have different keys")
	}
	if NewKey("GET", "/users?limit=5", a) == base {
		t.Error("meaningful query differences must have different keys")
	}
}
