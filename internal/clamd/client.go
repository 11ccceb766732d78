package clamd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// DefaultPort is the clamd TCP port.
const DefaultPort = 3310

// ReadMode selects how a response is read.
type ReadMode int

const (
	// ReadLine reads a single newline-terminated line.
	ReadLine ReadMode = iota
	// ReadToEnd reads until clamd closes the connection.
	ReadToEnd
)

// ClientConfig holds connection settings for the clamd client.
type ClientConfig struct {
	Host           string
	Port           int
	PingTimeout    time.Duration
	CommandTimeout time.Duration
}

// DefaultClientConfig returns the loopback defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:           "127.0.0.1",
		Port:           DefaultPort,
		PingTimeout:    300 * time.Millisecond,
		CommandTimeout: 30 * time.Second,
	}
}

// Address returns host:port.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ModeFor returns the read mode clamd uses for command.
func ModeFor(command string) ReadMode {
	verb := strings.ToUpper(strings.TrimSpace(command))
	if i := strings.IndexByte(verb, ' '); i >= 0 {
		verb = verb[:i]
	}
	switch verb {
	case "STATS", "VERSIONCOMMANDS":
		return ReadToEnd
	default:
		return ReadLine
	}
}

// ClientImpl implements domain.DaemonClient.
// Every command uses a fresh connection.
type ClientImpl struct {
	config ClientConfig
	logger *zap.Logger
}

var _ domain.DaemonClient = (*ClientImpl)(nil)

// NewClient creates a clamd client.
func NewClient(config ClientConfig, logger *zap.Logger) *ClientImpl {
	return &ClientImpl{config: config, logger: logger}
}

// Address returns the daemon address this client dials.
func (c *ClientImpl) Address() string {
	return c.config.Address()
}

// Send writes "n<command>\n" and reads the response per mode.
func (c *ClientImpl) Send(ctx context.Context, command string, mode ReadMode) (string, error) {
	return c.send(ctx, command, mode, c.config.CommandTimeout)
}

func (c *ClientImpl) send(ctx context.Context, command string, mode ReadMode, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.config.Address())
	if err != nil {
		return "", fmt.Errorf("%w at %s: %v", domain.ErrConnection, c.config.Address(), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := io.WriteString(conn, "n"+command+"\n"); err != nil {
		return "", fmt.Errorf("%w: sending %s: %v", domain.ErrProtocol, verbOf(command), err)
	}

	if mode == ReadToEnd {
		body, err := io.ReadAll(conn)
		if err != nil {
			return "", fmt.Errorf("%w: reading %s: %v", domain.ErrProtocol, verbOf(command), err)
		}
		if len(body) == 0 {
			return "", fmt.Errorf("%w: empty response to %s", domain.ErrProtocol, verbOf(command))
		}
		return string(body), nil
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("%w: reading %s: %v", domain.ErrProtocol, verbOf(command), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func verbOf(command string) string {
	if i := strings.IndexByte(command, ' '); i >= 0 {
		return command[:i]
	}
	return command
}

// Ping succeeds when clamd answers PONG within the ping timeout.
func (c *ClientImpl) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, "PING", ReadLine, c.config.PingTimeout)
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(resp), "PONG") {
		return fmt.Errorf("%w: unexpected PING response %q", domain.ErrProtocol, resp)
	}
	return nil
}

// IsAlive reports whether Ping succeeds.
func (c *ClientImpl) IsAlive(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

func (c *ClientImpl) Version(ctx context.Context) (string, error) {
	return c.Send(ctx, "VERSION", ReadLine)
}

func (c *ClientImpl) Reload(ctx context.Context) (string, error) {
	return c.Send(ctx, "RELOAD", ReadLine)
}

func (c *ClientImpl) Stats(ctx context.Context) (string, error) {
	return c.Send(ctx, "STATS", ReadToEnd)
}

func (c *ClientImpl) VersionCommands(ctx context.Context) (string, error) {
	return c.Send(ctx, "VERSIONCOMMANDS", ReadToEnd)
}

// ScanFile sends CONTSCAN for a single file and returns the one-line verdict.
func (c *ClientImpl) ScanFile(ctx context.Context, path string) (string, error) {
	return c.Send(ctx, "CONTSCAN "+path, ReadLine)
}

// ScanFolder sends CONTSCAN for a directory and returns every verdict line.
// Only ctx bounds the call, since folder scans can run long.
func (c *ClientImpl) ScanFolder(ctx context.Context, path string) (string, error) {
	return c.send(ctx, "CONTSCAN "+path, ReadToEnd, 0)
}

// Shutdown asks clamd to exit. clamd closes the connection without replying.
func (c *ClientImpl) Shutdown(ctx context.Context) error {
	_, err := c.Send(ctx, "SHUTDOWN", ReadLine)
	if err != nil && errors.Is(err, domain.ErrProtocol) {
		c.logger.Debug("shutdown sent, connection closed by clamd")
		return nil
	}
	return err
}
