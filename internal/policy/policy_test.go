package policy

import "testing"

func TestSender(t *testing.T) {
	allowed := map[string]bool{"example.com": true}

	cases := []struct {
		name       string
		mailFrom   string
		def        string
		allowed    map[string]bool
		wantSender string
		wantDec    string
	}{
		{"empty allow-list falls back", "user@example.com", "default@svc", nil, "default@svc", "default"},
		{"empty mail from falls back", "", "default@svc", allowed, "default@svc", "default"},
		{"domain not allowed falls back", "user@other.com", "default@svc", allowed, "default@svc", "default"},
		{"allowed domain passes verbatim", "user@example.com", "default@svc", allowed, "user@example.com", "verbatim"},
		{"allowed domain case-insensitive", "user@EXAMPLE.com", "default@svc", allowed, "user@EXAMPLE.com", "verbatim"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sender, decision := Sender(c.mailFrom, c.def, c.allowed)
			if sender != c.wantSender {
				t.Errorf("sender = %q, want %q", sender, c.wantSender)
			}
			if decision != c.wantDec {
				t.Errorf("decision = %q, want %q", decision, c.wantDec)
			}
		})
	}
}

func TestSenderNormalizesLocalPartCase(t *testing.T) {
	allowed := map[string]bool{"example.com": true}
	sender, decision := Sender("User@example.com", "default@svc", allowed)
	if decision != "verbatim" {
		t.Errorf("decision = %q, want verbatim", decision)
	}
	if sender != "user@example.com" {
		t.Errorf("sender = %q, want PRECIS-case-mapped local part", sender)
	}
}

func TestSenderIDNA(t *testing.T) {
	allowed := map[string]bool{"xn--mller-kva.com": true}
	sender, decision := Sender("user@müller.com", "default@svc", allowed)
	if decision != "verbatim" {
		t.Errorf("decision = %q, want verbatim", decision)
	}
	if sender != "user@müller.com" {
		t.Errorf("sender = %q, want verbatim original address", sender)
	}
}
