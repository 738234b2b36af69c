package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": ["stun:stun.kiosk.example:3478"]},
	  {"urls": ["turn:turn.kiosk.example:3478?transport=udp"], "username": "kiosk", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.kiosk.example:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "kiosk" {
		t.Fatalf("unexpected username: %q", got)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SingleStringURL(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": "stun:stun.kiosk.example:3478"}]`, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersJSON_TURNCredentials(t *testing.T) {
	t.Parallel()

	raw := `[{"urls": ["turn:turn.kiosk.example:3478"]}]`

	if _, err := ParseICEServersJSON(raw, false); err == nil {
		t.Fatal("expected error for TURN without credentials")
	}
	if _, err := ParseICEServersJSON(raw, true); err != nil {
		t.Fatalf("TURN REST should allow missing static credentials, got %v", err)
	}
}

func TestParseICEServersJSON_RejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	if _, err := ParseICEServersJSON(`[{"urls": ["https://kiosk.example"]}]`, false); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example:3478, stun:b.example:3478",
		"turn:t.example:3478",
		"user",
		"cred",
		false,
	)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 2 || got[1] != "stun:b.example:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t.example:3478", "", "", false); err == nil {
		t.Fatal("expected error for TURN urls without username/credential")
	}
}
