package bridge

import "testing"

func TestValidateRunCommand(t *testing.T) {
	allowed := []string{"ls -la", "git status", "npm install", "go build ./...", "  cat  foo.txt"}
	for _, cmd := range allowed {
		if err := ValidateRunCommand(cmd); err != nil {
			t.Errorf("ValidateRunCommand(%q) = %v, want nil", cmd, err)
		}
	}

	disallowed := []string{"curl http://evil", "sudo rm -rf /", "", "   ", "wget http://evil"}
	for _, cmd := range disallowed {
		if err := ValidateRunCommand(cmd); err != ErrCommandNotAllowed {
			t.Errorf("ValidateRunCommand(%q) = %v, want ErrCommandNotAllowed", cmd, err)
		}
	}
}

func TestResolveWorkspacePath(t *testing.T) {
	cases := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{"main.go", "/workspace/main.go", false},
		{"src/app.go", "/workspace/src/app.go", false},
		{".", "/workspace", false},
		{"../../etc/passwd", "", true},
		{"/etc/passwd", "", true},
		{"../workspace-evil/secret", "", true},
	}
	for _, c := range cases {
		got, err := ResolveWorkspacePath(c.rel)
		if c.wantErr {
			if err == nil {
				t.Errorf("ResolveWorkspacePath(%q) = %q, want error", c.rel, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolveWorkspacePath(%q) unexpected error: %v", c.rel, err)
			continue
		}
		if got != c.want {
			t.Errorf("ResolveWorkspacePath(%q) = %q, want %q", c.rel, got, c.want)
		}
	}
}
