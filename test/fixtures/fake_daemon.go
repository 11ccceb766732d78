package fixtures

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// FakeDaemon is an in-process TCP server speaking enough of the clamd protocol for tests.
type FakeDaemon struct {
	listener net.Listener

	mu        sync.Mutex
	commands  []string
	responses map[string]string
	onScan    func(path string) string

	wg sync.WaitGroup
}

// StartFakeDaemon listens on a random loopback port.
func StartFakeDaemon() (*FakeDaemon, error) {
	return StartFakeDaemonAt("127.0.0.1:0")
}

// StartFakeDaemonAt listens on addr.
func StartFakeDaemonAt(addr string) (*FakeDaemon, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	d := &FakeDaemon{
		listener: l,
		responses: map[string]string{
			"PING":            "PONG\n",
			"VERSION":         "ClamAV 1.4.1/27400/Mon Oct 12 08:00:00 2026\n",
			"RELOAD":          "RELOADING\n",
			"STATS":           "POOLS: 1\n\nSTATE: VALID PRIMARY\nTHREADS: live 1  idle 0 max 10 idle-timeout 30\nQUEUE: 0 items\nEND\n",
			"VERSIONCOMMANDS": "ClamAV 1.4.1/27400| COMMANDS: SCAN QUIT RELOAD PING CONTSCAN VERSIONCOMMANDS VERSION END SHUTDOWN STATS\n",
		},
	}
	d.wg.Add(1)
	go d.serve()
	return d, nil
}

// FreePort returns a loopback port that nothing is listening on right now.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Addr returns host:port.
func (d *FakeDaemon) Addr() string {
	return d.listener.Addr().String()
}

// Port returns the listening port.
func (d *FakeDaemon) Port() int {
	_, p, _ := net.SplitHostPort(d.Addr())
	port, _ := strconv.Atoi(p)
	return port
}

// SetResponse overrides the reply to verb.
func (d *FakeDaemon) SetResponse(verb, response string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses[verb] = response
}

// OnScan sets the CONTSCAN responder. The default answers "<path>: OK".
func (d *FakeDaemon) OnScan(fn func(path string) string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onScan = fn
}

// Commands returns every command received, without the "n" prefix.
func (d *FakeDaemon) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

// Received reports whether any command starting with verb arrived.
func (d *FakeDaemon) Received(verb string) bool {
	for _, c := range d.Commands() {
		if strings.HasPrefix(c, verb) {
			return true
		}
	}
	return false
}

// Close stops listening and waits for open connections.
func (d *FakeDaemon) Close() error {
	err := d.listener.Close()
	d.wg.Wait()
	return err
}

func (d *FakeDaemon) serve() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handle(conn)
		}()
	}
}

func (d *FakeDaemon) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	command := strings.TrimRight(line, "\r\n")
	command = strings.TrimPrefix(strings.TrimPrefix(command, "n"), "z")

	d.mu.Lock()
	d.commands = append(d.commands, command)
	verb, arg, _ := strings.Cut(command, " ")
	response, known := d.responses[verb]
	onScan := d.onScan
	d.mu.Unlock()

	switch verb {
	case "SHUTDOWN":
		return
	case "CONTSCAN", "SCAN":
		if onScan != nil {
			response = onScan(arg)
		} else {
			response = arg + ": OK\n"
		}
	default:
		if !known {
			response = "UNKNOWN COMMAND\n"
		}
	}
	_, _ = io.WriteString(conn, response)
}
