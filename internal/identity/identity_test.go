package identity

import "testing"

func TestRoundTrip(t *testing.T) {
	id, err := New("acme", "telegram", "123")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if id.Key() != "acme:telegram:123" {
		t.Fatalf("unexpected key: %s", id.Key())
	}
	if id.PartitionKey() != "acme/telegram/123" {
		t.Fatalf("unexpected partition key: %s", id.PartitionKey())
	}

	parsed, err := ParseKey(id.Key())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %+v want %+v", parsed, id)
	}
}

func TestParseKeyInvalid(t *testing.T) {
	cases := []string{"", "a:b", "a:b:c:d", "a::c", ":b:c"}
	for _, c := range cases {
		if _, err := ParseKey(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}

func TestNewRejectsReservedCharacters(t *testing.T) {
	if _, err := New("a:b", "c", "d"); err == nil {
		t.Fatal("expected error for colon in component")
	}
	if _, err := New("a/b", "c", "d"); err == nil {
		t.Fatal("expected error for slash in component")
	}
	if _, err := New("", "c", "d"); err == nil {
		t.Fatal("expected error for empty component")
	}
}

func TestCoerceThread(t *testing.T) {
	if CoerceThread("") != "main" {
		t.Fatal("expected main sentinel for empty thread")
	}
	if CoerceThread("42") != "42" {
		t.Fatal("expected passthrough for non-empty thread")
	}
}

func TestSanitizeJobName(t *testing.T) {
	cases := map[string]string{
		"Nightly Report!!":  "nightly-report",
		"  leading/trail /": "leading-trail",
		"###":                "job",
		"already-ok":         "already-ok",
	}
	for in, want := range cases {
		if got := SanitizeJobName(in); got != want {
			t.Fatalf("SanitizeJobName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildSchedulerRoute(t *testing.T) {
	route := BuildSchedulerRoute("Nightly Digest")
	if route.Tenant != CronTenant || route.Channel != CronChannel {
		t.Fatalf("unexpected reserved tenant/channel: %+v", route)
	}
	if route.Thread != "nightly-digest" {
		t.Fatalf("unexpected thread: %s", route.Thread)
	}
}
