package main

import "testing"

func TestMoney(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "$0"},
		{999, "$999"},
		{1000, "$1,000"},
		{1234567, "$1,234,567"},
		{-4000, "-$4,000"},
	}
	for _, tc := range cases {
		if got := money(tc.in); got != tc.want {
			t.Fatalf("money(%d) got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseCompany(t *testing.T) {
	c, err := parseCompany("acme: Acme Corp :40")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Symbol != "ACME" || c.Name != "Acme Corp" || c.IPOPrice != 40 {
		t.Fatalf("parsed %+v", c)
	}
	for _, bad := range []string{"ACME", "ACME:Acme:x", "A:B:C:D"} {
		if _, err := parseCompany(bad); err == nil {
			t.Fatalf("%q should not parse", bad)
		}
	}
}
