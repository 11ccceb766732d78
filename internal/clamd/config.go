package clamd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DaemonConfig is the set of directives clamsentry writes into clamd.conf.
type DaemonConfig struct {
	DatabaseDirectory string
	LogFile           string
	TCPAddr           string
	TCPSocket         int
}

// NewDaemonConfig derives the daemon configuration for an installation.
// Scan options never reach this file; some ClamAV builds reject the equivalent directives.
func NewDaemonConfig(inst Installation, host string, port int) DaemonConfig {
	return DaemonConfig{
		DatabaseDirectory: inst.DatabaseDir(),
		LogFile:           inst.DaemonLogPath(),
		TCPAddr:           host,
		TCPSocket:         port,
	}
}

// Render returns the file content. Output is deterministic for equal configs.
func (c DaemonConfig) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DatabaseDirectory \"%s\"\n", c.DatabaseDirectory)
	fmt.Fprintf(&b, "LogFile \"%s\"\n", c.LogFile)
	b.WriteString("LogTime yes\n")
	b.WriteString("LogVerbose yes\n")
	fmt.Fprintf(&b, "TCPSocket %d\n", c.TCPSocket)
	if c.TCPAddr != "" {
		fmt.Fprintf(&b, "TCPAddr %s\n", c.TCPAddr)
	}
	return b.String()
}

// WriteDaemonConfig replaces path with the rendered config.
func WriteDaemonConfig(path string, c DaemonConfig) error {
	return atomicWrite(path, []byte(c.Render()))
}

// ReadDaemonConfig parses the directives clamsentry cares about from a clamd.conf.
func ReadDaemonConfig(path string) (DaemonConfig, error) {
	directives, err := readDirectives(path)
	if err != nil {
		return DaemonConfig{}, err
	}
	c := DaemonConfig{
		DatabaseDirectory: directives["databasedirectory"],
		LogFile:           directives["logfile"],
		TCPAddr:           directives["tcpaddr"],
	}
	if v, ok := directives["tcpsocket"]; ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return DaemonConfig{}, fmt.Errorf("invalid TCPSocket %q in %s", v, path)
		}
		c.TCPSocket = port
	}
	return c, nil
}

// readDirectives returns lower-cased directive names mapped to unquoted values.
// Comments and blank lines are skipped. Later directives win.
func readDirectives(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, _ := strings.Cut(line, " ")
		out[strings.ToLower(name)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return out, sc.Err()
}

// ReadDaemonLog returns the content of the LogFile named in the daemon config.
func ReadDaemonLog(configPath string) (string, error) {
	c, err := ReadDaemonConfig(configPath)
	if err != nil {
		return "", err
	}
	if c.LogFile == "" {
		return "", fmt.Errorf("no LogFile directive in %s", configPath)
	}
	data, err := os.ReadFile(c.LogFile)
	if err != nil {
		return "", fmt.Errorf("failed to read daemon log: %w", err)
	}
	return string(data), nil
}

// InitializeConfiguration prepares an installation for first use:
// freshclam.conf (from the shipped sample when present), clamd.conf and the database directory.
func InitializeConfiguration(inst Installation, host string, port int) error {
	if err := os.MkdirAll(inst.DatabaseDir(), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := writeUpdaterConfig(inst); err != nil {
		return err
	}
	return WriteDaemonConfig(inst.DaemonConfigPath(), NewDaemonConfig(inst, host, port))
}

// EnsureUpdaterConfig writes freshclam.conf only when the installation has none.
func EnsureUpdaterConfig(inst Installation) error {
	if _, err := os.Stat(inst.UpdaterConfigPath()); err == nil {
		return nil
	}
	if err := os.MkdirAll(inst.DatabaseDir(), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return writeUpdaterConfig(inst)
}

func writeUpdaterConfig(inst Installation) error {
	var b strings.Builder
	sample := filepath.Join(inst.ExamplesDir(), "freshclam.conf.sample")
	if data, err := os.ReadFile(sample); err == nil {
		for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
			trimmed := strings.TrimSpace(line)
			// The sample refuses to load until its Example line is removed.
			if trimmed == "Example" || strings.HasPrefix(strings.ToLower(trimmed), "databasedirectory") {
				continue
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	} else {
		b.WriteString("DatabaseMirror database.clamav.net\n")
	}
	fmt.Fprintf(&b, "DatabaseDirectory \"%s\"\n", inst.DatabaseDir())
	return atomicWrite(inst.UpdaterConfigPath(), []byte(b.String()))
}

// atomicWrite writes data to a temp file in the same directory then renames it over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
