// Command udptunnel runs either end of a TCP-over-UDP tunnel: -s for a
// server terminating channels on local TCP connects, -c for a client
// accepting local TCP connections and forwarding them through a tunnel
// server to a remote destination.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/udptunnel/udptunnel/internal/acl"
	"github.com/udptunnel/udptunnel/internal/telemetry"
	"github.com/udptunnel/udptunnel/internal/tunnel"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: udptunnel -s [host:]port [-a acl] ...
   or: udptunnel -c [host:]port -t host:port -r host:port

  Server options:
  -s, -server    server mode. server host and port
  -a, -acl       allowed source and dest
                 src_ip,dest_ip,dest_port,allow|deny
                 any ip is 0.0.0.0, any port is 0

  Client options:
  -c, -client    client mode. local TCP server host and port
  -t, -tunnel    tunnel server host and port
  -r, -remote    remote host and port

  Common options:
  -config           optional JSON config file (CLI flags override it);
                     falls back to $UDPTUNNEL_CONFIG if unset
  -v, -verbose      verbose level, 0-3, default is 1
                     0 - Error, 1 - Warning, 2 - Info, 3 - Debug
  -h, -help         show this help and exit

  Not supported (see project docs): encryption, congestion control,
  packet reordering/fragmentation, TCP half-close.
`)
}

func main() {
	server := flag.String("s", "", "server mode: [host:]port")
	client := flag.String("c", "", "client mode: [host:]port")
	tunnelAddr := flag.String("t", "", "tunnel server address: host:port")
	remoteAddr := flag.String("r", "", "remote destination address: host:port")
	aclRule := flag.String("a", "", "ACL rule src_ip,dest_ip,dest_port,allow|deny")
	verbosity := flag.Int("v", 1, "verbose level, 0-3")
	configPath := flag.String("config", "", "path to JSON config file")
	help := flag.Bool("h", false, "show usage and exit")

	// Long-option aliases. flag.Parse treats a single and double dash the
	// same, so these just register a second name against the same
	// variable; whichever form is passed on the command line wins.
	flag.StringVar(server, "server", "", "long form of -s")
	flag.StringVar(client, "client", "", "long form of -c")
	flag.StringVar(tunnelAddr, "tunnel", "", "long form of -t")
	flag.StringVar(remoteAddr, "remote", "", "long form of -r")
	flag.StringVar(aclRule, "acl", "", "long form of -a")
	flag.IntVar(verbosity, "verbose", 1, "long form of -v")
	flag.BoolVar(help, "help", false, "long form of -h")

	flag.Parse()

	if *help {
		usage()
		os.Exit(0)
	}

	var fileCfg *telemetry.FileConfig
	if path := telemetry.ResolveConfigPath(*configPath); path != "" {
		cfg, err := telemetry.LoadFileConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		fileCfg = cfg
	}

	level := telemetry.Level(*verbosity)
	logPath := ""
	if fileCfg != nil {
		if !flagWasSet("v") && !flagWasSet("verbose") {
			level = telemetry.Level(fileCfg.Log.Level)
		}
		logPath = fileCfg.Log.Path
	}

	log := telemetry.New(level, logPath)
	defer log.Sync()

	if *server == "" && *client == "" {
		fmt.Fprintln(os.Stderr, "tunnel mode option must be provided by -s or -c")
		usage()
		os.Exit(1)
	}

	ruleStr := *aclRule
	if ruleStr == "" && fileCfg != nil && len(fileCfg.ACLRules) > 0 {
		// At most one rule is ever active; a config file that lists more
		// than one only has its first entry honored.
		ruleStr = fileCfg.ACLRules[0]
	}
	rule, err := acl.Parse(ruleStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid acl rule %q: %v\n", ruleStr, err)
		os.Exit(1)
	}

	var t *tunnel.Tunnel

	var startErr error
	if *server != "" {
		t, startErr = tunnel.NewServer(tunnel.ServerConfig{
			BindAddr: *server,
			ACL:      rule,
			Log:      log,
		})
	} else {
		if *tunnelAddr == "" {
			fmt.Fprintln(os.Stderr, "missing tunnel server address option for client mode")
			usage()
			os.Exit(1)
		}
		if *remoteAddr == "" {
			fmt.Fprintln(os.Stderr, "missing remote address option for client mode")
			usage()
			os.Exit(1)
		}

		remoteHost, remotePort, splitErr := splitRemote(*remoteAddr)
		if splitErr != nil {
			fmt.Fprintf(os.Stderr, "invalid remote address %q: %v\n", *remoteAddr, splitErr)
			os.Exit(1)
		}

		t, startErr = tunnel.NewClient(tunnel.ClientConfig{
			ListenAddr: *client,
			TunnelAddr: *tunnelAddr,
			RemoteHost: remoteHost,
			RemotePort: remotePort,
			Log:        log,
		})
	}
	if startErr != nil {
		fmt.Fprintf(os.Stderr, "failed to start tunnel: %v\n", startErr)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		t.Stop()
	}()

	t.Run()
	t.Close()
}

// splitRemote parses "host:port" for -r, which (unlike -s/-c/-t) always
// requires an explicit host since it names a destination to dial, not an
// interface to bind.
func splitRemote(addr string) (host, port string, err error) {
	idx := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			idx = i
			break
		}
	}
	if idx <= 0 || idx == len(addr)-1 {
		return "", "", fmt.Errorf("expected host:port")
	}
	host, port = addr[:idx], addr[idx+1:]
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", "", fmt.Errorf("invalid port %q", port)
	}
	return host, port, nil
}

// flagWasSet reports whether a flag was explicitly passed on the command
// line, so an unset -v defers to the config file's log level instead of
// silently overriding it with the default.
func flagWasSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
