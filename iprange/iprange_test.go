package iprange

import (
	"net/netip"
	"testing"
)

func pfx(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func TestLookupLongestPrefixWins(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(pfx(t, "10.0.0.0/8"), "broad")
	tbl.Insert(pfx(t, "10.1.0.0/16"), "narrow")

	got, ok := tbl.Lookup(addr(t, "10.1.2.3"))
	if !ok || got != "narrow" {
		t.Fatalf("Lookup = (%q, %v), want (narrow, true)", got, ok)
	}

	got, ok = tbl.Lookup(addr(t, "10.2.0.1"))
	if !ok || got != "broad" {
		t.Fatalf("Lookup = (%q, %v), want (broad, true)", got, ok)
	}
}

func TestLookupNoMatch(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(pfx(t, "192.168.0.0/16"), "lan")

	if _, ok := tbl.Lookup(addr(t, "8.8.8.8")); ok {
		t.Fatalf("Lookup should report no match for an unrouted address")
	}
}

func TestInsertReplacesSamePrefix(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(pfx(t, "10.0.0.0/24"), "first")
	tbl.Insert(pfx(t, "10.0.0.0/24"), "second")

	got, ok := tbl.Lookup(addr(t, "10.0.0.5"))
	if !ok || got != "second" {
		t.Fatalf("Lookup = (%q, %v), want (second, true)", got, ok)
	}
	if n := len(tbl.Prefixes(func(string) bool { return true })); n != 1 {
		t.Fatalf("expected a single entry after replacing the same prefix, got %d", n)
	}
}

func TestRemove(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(pfx(t, "10.0.0.0/24"), "gone")
	tbl.Remove(pfx(t, "10.0.0.0/24"))

	if _, ok := tbl.Lookup(addr(t, "10.0.0.5")); ok {
		t.Fatalf("Lookup should find nothing after Remove")
	}
}

func TestRemoveValue(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(pfx(t, "10.0.0.0/24"), "peerA")
	tbl.Insert(pfx(t, "10.0.1.0/24"), "peerA")
	tbl.Insert(pfx(t, "10.0.2.0/24"), "peerB")

	tbl.RemoveValue(func(v string) bool { return v == "peerA" })

	if _, ok := tbl.Lookup(addr(t, "10.0.0.5")); ok {
		t.Fatalf("peerA's routes should be gone")
	}
	if _, ok := tbl.Lookup(addr(t, "10.0.2.5")); !ok {
		t.Fatalf("peerB's route should survive RemoveValue for peerA")
	}
}

func TestPrefixesSortedAndFiltered(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(pfx(t, "10.0.2.0/24"), "peerA")
	tbl.Insert(pfx(t, "10.0.0.0/24"), "peerA")
	tbl.Insert(pfx(t, "10.0.1.0/24"), "peerB")

	got := tbl.Prefixes(func(v string) bool { return v == "peerA" })
	if len(got) != 2 {
		t.Fatalf("expected 2 prefixes for peerA, got %d", len(got))
	}
	if got[0].String() >= got[1].String() {
		t.Fatalf("expected Prefixes to return a sorted slice, got %v", got)
	}
}

func TestLookupIPv6(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(pfx(t, "2001:db8::/32"), "v6")

	got, ok := tbl.Lookup(addr(t, "2001:db8::1"))
	if !ok || got != "v6" {
		t.Fatalf("Lookup = (%q, %v), want (v6, true)", got, ok)
	}
}
