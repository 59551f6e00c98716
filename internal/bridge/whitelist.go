package bridge

import (
	"fmt"
	"path/filepath"
	"strings"
)

// allowedCommands is the command whitelist for runCommand: the first
// whitespace-separated token of the command must be one of these,
// matched exactly.
var allowedCommands = map[string]bool{
	"ls": true, "cat": true, "echo": true, "pwd": true, "cd": true,
	"git": true, "npm": true, "bun": true, "pnpm": true, "yarn": true,
	"python": true, "python3": true, "node": true, "rustc": true,
	"cargo": true, "go": true, "make": true, "mkdir": true, "touch": true,
	"rm": true, "cp": true, "mv": true, "grep": true, "find": true,
	"test": true, "jest": true, "vitest": true,
}

// ErrCommandNotAllowed is returned by ValidateRunCommand when the
// command's first token isn't in the whitelist.
var ErrCommandNotAllowed = fmt.Errorf("Command not allowed")

// ValidateRunCommand checks cmd's first token against the runCommand
// whitelist before the host ever forwards it to a bridge. An empty
// command is rejected the same way an unrecognized token is.
func ValidateRunCommand(cmd string) error {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ErrCommandNotAllowed
	}
	if !allowedCommands[fields[0]] {
		return ErrCommandNotAllowed
	}
	return nil
}

// workspaceRoot is the fixed mount point of the persistent volume
// inside every workspace container, against which every file-system
// path argument is resolved.
const workspaceRoot = "/workspace"

// ResolveWorkspacePath resolves rel against the workspace root (an
// absolute rel is cleaned as-is rather than joined underneath it, so
// that a path already rooted outside /workspace is caught instead of
// silently nested into it) and rejects the result if it escapes the
// root.
func ResolveWorkspacePath(rel string) (string, error) {
	var cleaned string
	if filepath.IsAbs(rel) {
		cleaned = filepath.Clean(rel)
	} else {
		cleaned = filepath.Clean(filepath.Join(workspaceRoot, rel))
	}
	if cleaned != workspaceRoot && !strings.HasPrefix(cleaned, workspaceRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("bridge: path %q escapes workspace root", rel)
	}
	return cleaned, nil
}
