package ssh

import (
	"github.com/openfroyo/froyo-scp/pkg/remotepath"
)

// Command is a shell command line run on the remote host. Line never
// carries the sudo prefix; the executor adds it.
type Command struct {
	// Name is the program name used for logs and metrics
	Name string

	// Line is the shell command line with every argument quoted
	Line string
}

// ListCommand lists dir in the C locale so month names parse. The trailing
// slash makes ls descend into a directory reached through a symlink.
func ListCommand(dir string) Command {
	return Command{
		Name: "ls",
		Line: "env LC_ALL=C ls -la -- " + remotepath.Quote(remotepath.AsDir(dir)),
	}
}

// ReadCommand writes the content of p to stdout.
func ReadCommand(p string) Command {
	return Command{Name: "cat", Line: "cat -- " + remotepath.Quote(p)}
}

// WriteCommand replaces the content of p with the base64 decoded stdin.
func WriteCommand(p string) Command {
	script := `base64 -d | tee -- "$1" >/dev/null`
	return Command{
		Name: "tee",
		Line: "sh -c " + remotepath.Quote(script) + " sh " + remotepath.Quote(p),
	}
}

// MkdirCommand creates p and any missing parents.
func MkdirCommand(p string) Command {
	return Command{Name: "mkdir", Line: "mkdir -p -- " + remotepath.Quote(p)}
}

// RemoveCommand removes a single file or link.
func RemoveCommand(p string) Command {
	return Command{Name: "rm", Line: "rm -- " + remotepath.Quote(p)}
}

// RemoveAllCommand removes p recursively.
func RemoveAllCommand(p string) Command {
	return Command{Name: "rm", Line: "rm -rf -- " + remotepath.Quote(p)}
}

// RenameCommand moves oldPath to newPath.
func RenameCommand(oldPath, newPath string) Command {
	return Command{
		Name: "mv",
		Line: "mv -- " + remotepath.Quote(oldPath) + " " + remotepath.Quote(newPath),
	}
}

// IsDirCommand prints "directory" when p is a directory (following links)
// and "other" otherwise.
func IsDirCommand(p string) Command {
	script := `if test -d "$1"; then echo directory; else echo other; fi`
	return Command{
		Name: "test",
		Line: "sh -c " + remotepath.Quote(script) + " sh " + remotepath.Quote(p),
	}
}

// PackCommand writes a gzip tar of the content of dir to stdout.
func PackCommand(dir string) Command {
	return Command{
		Name: "tar",
		Line: "tar -czf - -C " + remotepath.Quote(dir) + " .",
	}
}

// UnpackCommand creates dir and extracts a gzip tar read from stdin into it.
func UnpackCommand(dir string) Command {
	script := `mkdir -p -- "$1" && tar -xzf - -C "$1"`
	return Command{
		Name: "tar",
		Line: "sh -c " + remotepath.Quote(script) + " sh " + remotepath.Quote(dir),
	}
}

// WhichCommand succeeds when tool is on the PATH. It is run without sudo.
func WhichCommand(tool string) Command {
	return Command{
		Name: "command",
		Line: "command -v " + remotepath.Quote(tool) + " >/dev/null 2>&1",
	}
}

// sudoProbeLine succeeds when sudo runs without a password. -k discards
// cached credentials so the answer does not depend on earlier commands.
const sudoProbeLine = "sudo -k -n true"

const (
	sudoWithSecretPrefix = "sudo -k -S -p '' "
	sudoNoSecretPrefix   = "sudo -n "
)
