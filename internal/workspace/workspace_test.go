package workspace

import "testing"

func TestBuildEnv(t *testing.T) {
	token := "ghp_abc"
	env := buildEnv("ws-1", CreateRequest{
		RepoURL:      "github.com/acme/widgets",
		Preset:       "default",
		GitUserName:  "Ada",
		GitUserEmail: "ada@example.com",
		CloneToken:   &token,
		SecretEnv:    map[string]string{"CUSTOM_KEY": "value"},
	})

	want := map[string]bool{
		"WORKSPACE_ID=ws-1":                   false,
		"GITHUB_REPO=github.com/acme/widgets": false,
		"GITHUB_TOKEN=ghp_abc":                false,
		"GIT_USER_NAME=Ada":                    false,
		"CUSTOM_KEY=value":                     false,
	}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, found := range want {
		if !found {
			t.Errorf("expected env var %q in built env, got %v", kv, env)
		}
	}
}

func TestBuildEnvNoToken(t *testing.T) {
	env := buildEnv("ws-2", CreateRequest{Preset: "default"})
	for _, kv := range env {
		if len(kv) >= len("GITHUB_TOKEN=") && kv[:len("GITHUB_TOKEN=")] == "GITHUB_TOKEN=" {
			t.Fatalf("expected no GITHUB_TOKEN entry without a clone token, got %q", kv)
		}
	}
}

func TestStripControlChars(t *testing.T) {
	in := "Agent bridge started\x1b[0m\x07 ok"
	out := stripControlChars(in)
	if out != "Agent bridge started[0m ok" {
		t.Fatalf("got %q", out)
	}
}
