package compileinfo

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"runtime/debug"

	"go.uber.org/zap"
)

type CompileInfo struct {
	Package    string
	GoVersion  string
	Commit     string
	CommitTime string
	Modified   bool
}

func (c CompileInfo) String() string {
	mod := ""
	if c.Modified {
		mod = " Files in the repo were modified after that commit."
	}

	return fmt.Sprintf("This %s binary was built with %s at commit %v at time %v.%s", c.Package, c.GoVersion, c.Commit, c.CommitTime, mod)
}

// ShortCommit is the first 12 characters of the commit, with a "+" when the
// tree was modified. It is "unknown" when the binary carries no VCS stamp.
func (c CompileInfo) ShortCommit() string {
	commit := c.Commit
	if commit == "" {
		return "unknown"
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if c.Modified {
		commit += "+"
	}
	return commit
}

// Actor identifies who changed the catalog in audit records: the local user
// and host followed by the binary and its commit, for example
// "alice@lab1 prsupdate@0123456789ab".
func (c CompileInfo) Actor() string {
	who := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		who = u.Username
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		who += "@" + host
	}

	bin := path.Base(c.Package)
	if bin == "." || bin == "/" || bin == "" {
		bin = path.Base(os.Args[0])
	}

	return who + " " + bin + "@" + c.ShortCommit()
}

func Get() CompileInfo {
	out := CompileInfo{}

	z, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}

	out.GoVersion = z.GoVersion
	out.Package = z.Path
	for _, s := range z.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.time":
			out.CommitTime = s.Value
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}

	return out
}

// Fields describes the build for structured logs.
func (c CompileInfo) Fields() []zap.Field {
	return []zap.Field{
		zap.String("package", c.Package),
		zap.String("go_version", c.GoVersion),
		zap.String("commit", c.ShortCommit()),
		zap.String("commit_time", c.CommitTime),
	}
}

func PrintToStdErr() {
	z := Get()
	fmt.Fprintf(os.Stderr, "%s\n", z)
}
