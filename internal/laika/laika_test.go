package laika

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestCanonicalIsStableUnderKeyOrder(t *testing.T) {
	a, err := ParseValue(json.RawMessage(`{"roles": ["admin", "billing"], "groups": null}`))
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	b, err := ParseValue(json.RawMessage("{\n  \"groups\": null,\n  \"roles\": [\"admin\",\"billing\"]\n}"))
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected %s == %s", a, b)
	}
}

func TestCanonicalOrderOfListsIsSignificant(t *testing.T) {
	a, _ := Canonical(map[string]any{"roles": []string{"admin", "billing"}})
	b, _ := Canonical(map[string]any{"roles": []string{"billing", "admin"}})
	if a.Equal(b) {
		t.Fatalf("list reordering must not compare equal")
	}
}

func TestZeroValueSemantics(t *testing.T) {
	var zero Value
	if !zero.IsZero() {
		t.Fatalf("expected zero value")
	}
	empty, err := Canonical(map[string]any{})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if empty.IsZero() {
		t.Fatalf("{} must not be the zero value")
	}
	if zero.Equal(empty) {
		t.Fatalf("zero and {} must differ")
	}
	if zero.JSON() != nil {
		t.Fatalf("zero JSON must be nil")
	}
}

func TestPermissionsExtraction(t *testing.T) {
	obj := Object{
		ID:   "acc-1",
		Type: TypeUser,
		Data: map[string]any{
			"Roles":        []any{"admin"},
			"Display Name": "Ada Lovelace",
		},
	}
	val, err := obj.Permissions()
	if err != nil {
		t.Fatalf("Permissions: %v", err)
	}
	want := `{"roles":["admin"]}`
	if val.String() != want {
		t.Fatalf("got %s, want %s", val, want)
	}
}

func TestPermissionsExtractFailed(t *testing.T) {
	obj := Object{ID: "acc-2", Data: map[string]any{"Roles": math.NaN()}}
	if _, err := obj.Permissions(); err == nil {
		t.Fatalf("expected extraction failure")
	}
}

func TestDisplayNameFallbacks(t *testing.T) {
	cases := []struct {
		data map[string]any
		want string
	}{
		{map[string]any{"Display Name": "Svc Deploy"}, "Svc Deploy"},
		{map[string]any{"First Name": "Grace", "Last Name": "Hopper"}, "Grace Hopper"},
		{map[string]any{"First Name": "Grace"}, "Grace"},
		{map[string]any{"External Id": "ext-9"}, "ext-9"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := (Object{Data: tc.data}).DisplayName(); got != tc.want {
			t.Fatalf("DisplayName(%v)=%q, want %q", tc.data, got, tc.want)
		}
	}
}

func TestRolesDisplay(t *testing.T) {
	obj := Object{Data: map[string]any{
		"Roles":  []any{"admin", "billing"},
		"Groups": []string{"eng"},
	}}
	if got := obj.RolesDisplay(); got != "admin, billing, eng" {
		t.Fatalf("RolesDisplay=%q", got)
	}
}

func TestDeleted(t *testing.T) {
	now := time.Now()
	if (Object{}).Deleted() {
		t.Fatalf("live object reported deleted")
	}
	if !(Object{DeletedAt: &now}).Deleted() {
		t.Fatalf("tombstoned object not reported deleted")
	}
}
