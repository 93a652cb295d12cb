package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bridgefall/ruconn/channel"
	"github.com/bridgefall/ruconn/commons/config"
	"github.com/bridgefall/ruconn/commons/logger"
	"github.com/bridgefall/ruconn/conn"
	"github.com/bridgefall/ruconn/internal/antispoof"
	"github.com/bridgefall/ruconn/internal/textpacket"
	"github.com/bridgefall/ruconn/listener"
	"github.com/bridgefall/ruconn/packet"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "connect":
		runConnect(os.Args[2:])
	case "keygen":
		runKeygen(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: ruconn <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve    Run an Acceptor on a well-known port")
	fmt.Fprintln(os.Stderr, "  connect  Connect to an Acceptor and exchange text messages over stdin")
	fmt.Fprintln(os.Stderr, "  keygen   Generate a flood-guard secret for -antispoof-secret")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  ruconn serve -port 9000 -max-clients 64")
	fmt.Fprintln(os.Stderr, "  ruconn connect -addr 127.0.0.1:9000")
}

// serveFileConfig is the shape of the optional -config JSON file: anything
// a flag also sets, plus two Connection timer durations that have no flag,
// so a deployment can check one file into its process
// manager instead of a long flag line. Flags passed on the command line
// take precedence over the file when both set the same field.
type serveFileConfig struct {
	Port                    *uint            `json:"port"`
	MaxClients              *int             `json:"max_clients"`
	TTL                     *int             `json:"ttl"`
	LogLevel                *string          `json:"log_level"`
	AntispoofSecret         *string          `json:"antispoof_secret"`
	HandshakeResendInterval *config.Duration `json:"handshake_resend_interval"`
	IdleTimeout             *config.Duration `json:"idle_timeout"`
}

// applyServeFileConfig overlays fc onto the flag variables not explicitly
// set on the command line; an explicit flag always wins over the file.
func applyServeFileConfig(fs *flag.FlagSet, fc serveFileConfig, port *uint, maxClients, ttl *int, logLevel, antispoofSecret *string) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["port"] && fc.Port != nil {
		*port = *fc.Port
	}
	if !set["max-clients"] && fc.MaxClients != nil {
		*maxClients = *fc.MaxClients
	}
	if !set["ttl"] && fc.TTL != nil {
		*ttl = *fc.TTL
	}
	if !set["log-level"] && fc.LogLevel != nil {
		*logLevel = *fc.LogLevel
	}
	if !set["antispoof-secret"] && fc.AntispoofSecret != nil {
		*antispoofSecret = *fc.AntispoofSecret
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "optional JSON file overriding the defaults below")
	port := fs.Uint("port", 9000, "well-known port to bind")
	maxClients := fs.Int("max-clients", 64, "size of the available-port pool")
	ttl := fs.Int("ttl", 0, "outbound IPv4 TTL (0 = OS default)")
	logLevel := fs.String("log-level", "info", "debug, info, warn, or error")
	antispoofSecret := fs.String("antispoof-secret", "", "base64 flood-guard secret (see keygen); empty disables it")
	_ = fs.Parse(args)

	var connCfg conn.Config
	if *configPath != "" {
		var fc serveFileConfig
		if err := config.LoadJSONFile(*configPath, &fc); err != nil {
			fatalf("serve: %v", err)
		}
		applyServeFileConfig(fs, fc, port, maxClients, ttl, logLevel, antispoofSecret)
		if fc.HandshakeResendInterval != nil {
			connCfg.HandshakeResendInterval = fc.HandshakeResendInterval.Duration
		}
		if fc.IdleTimeout != nil {
			connCfg.IdleTimeout = fc.IdleTimeout.Duration
		}
	}

	logger.Setup(*logLevel)

	cfg := listener.Config{
		Port:       uint16(*port),
		MaxClients: *maxClients,
		TTL:        *ttl,
		ConnConfig: connCfg,
	}
	if *antispoofSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(*antispoofSecret)
		if err != nil {
			fatalf("serve: decode -antispoof-secret: %v", err)
		}
		key, err := antispoof.DeriveKey(secret)
		if err != nil {
			fatalf("serve: derive antispoof key: %v", err)
		}
		cfg.AntispoofKey = &key
	}

	hooks := listener.Hooks{
		HandleConnection: func(c *conn.Connection) {
			c.SetPacketChannel(textpacket.ID, channel.CreateReliableChannel(textpacket.Factory{}, c.ChannelHooks(), 0))
			slog.Info("connection accepted", "remote", c.RemoteAddr())
		},
		HandlePacket: func(c *conn.Connection, p packet.Packet) {
			if m, ok := p.(*textpacket.Message); ok {
				slog.Info("message received", "remote", c.RemoteAddr(), "text", m.Text)
			}
		},
		HandleDisconnect: func(c *conn.Connection) {
			slog.Info("connection closed", "remote", c.RemoteAddr())
		},
	}

	l, err := listener.New(cfg, textpacket.Factory{}, hooks)
	if err != nil {
		fatalf("serve: %v", err)
	}
	if err := l.Start(); err != nil {
		fatalf("serve: %v", err)
	}
	slog.Info("listening", "port", *port, "max_clients", *maxClients)

	waitForSignal()
	slog.Info("shutting down")
	l.Stop()
}

func runConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	addr := fs.String("addr", "", "server address, host:port")
	logLevel := fs.String("log-level", "info", "debug, info, warn, or error")
	timeout := fs.Duration("timeout", 30*time.Second, "handshake timeout")
	_ = fs.Parse(args)

	if *addr == "" {
		fatalf("connect: -addr is required")
	}
	logger.Setup(*logLevel)

	connected := make(chan conn.ConnectStatus, 1)
	hooks := conn.Hooks{
		HandleConnected: func(status conn.ConnectStatus) {
			select {
			case connected <- status:
			default:
			}
		},
		HandleDisconnect: func() {
			slog.Info("disconnected")
		},
		HandlePacket: func(p packet.Packet) {
			if m, ok := p.(*textpacket.Message); ok {
				fmt.Println(m.Text)
			}
		},
	}

	c, err := conn.New(textpacket.Factory{}, hooks, conn.Config{})
	if err != nil {
		fatalf("connect: %v", err)
	}
	c.SetPacketChannel(textpacket.ID, channel.CreateReliableChannel(textpacket.Factory{}, c.ChannelHooks(), 0))

	if err := c.Connect(*addr); err != nil {
		fatalf("connect: %v", err)
	}

	select {
	case status := <-connected:
		if status != conn.ConnectSuccess {
			fatalf("connect: handshake failed: %s", status)
		}
	case <-time.After(*timeout):
		fatalf("connect: handshake timed out")
	}
	slog.Info("connected", "remote", c.RemoteAddr())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := c.Send(&textpacket.Message{Text: line}); err != nil {
			slog.Warn("send failed", "err", err)
		}
	}
	c.Disconnect()
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	_ = fs.Parse(args)

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		fatalf("keygen: %v", err)
	}
	fmt.Printf("antispoof_secret=%s\n", base64.StdEncoding.EncodeToString(secret[:]))
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
