// dhtnode is a small standalone DHT node: it joins the overlay from
// the given bootstrap addresses, keeps the routing table warm, and
// optionally searches for an info-hash. It is mostly useful as an
// example of how to drive the engine.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/jech/dht"
	"github.com/jech/dht/routing"
)

type packet struct {
	data []byte
	from netip.AddrPort
}

func main() {
	var (
		port      = flag.Int("port", 6881, "UDP port to listen on")
		no4       = flag.Bool("no4", false, "disable IPv4")
		no6       = flag.Bool("no6", false, "disable IPv6")
		nodesFile = flag.String("nodes", "dht.dat", "node list file for persistence")
		searchHex = flag.String("search", "", "info-hash to search for (hex)")
		announce  = flag.Int("announce", 0, "TCP port to announce with the search")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var conn4, conn6 *net.UDPConn
	var err error
	if !*no4 {
		conn4, err = net.ListenUDP("udp4", &net.UDPAddr{Port: *port})
		if err != nil {
			logger.Error("listen udp4", "error", err)
			os.Exit(1)
		}
		// DHT traffic is background noise; mark it CS1 so routers can
		// deprioritize it.
		if err := ipv4.NewPacketConn(conn4).SetTOS(0x20); err != nil {
			logger.Warn("set TOS", "error", err)
		}
	}
	if !*no6 {
		conn6, err = net.ListenUDP("udp6", &net.UDPAddr{Port: *port})
		if err != nil {
			logger.Error("listen udp6", "error", err)
			os.Exit(1)
		}
		if err := ipv6.NewPacketConn(conn6).SetTrafficClass(0x20); err != nil {
			logger.Warn("set traffic class", "error", err)
		}
	}
	if conn4 == nil && conn6 == nil {
		logger.Error("no sockets")
		os.Exit(1)
	}

	// Reuse the saved identity so the node keeps its place in the
	// keyspace across restarts.
	var id routing.ID
	var savedV4, savedV6 []netip.AddrPort
	if f, err := os.Open(*nodesFile); err == nil {
		id, savedV4, savedV6, err = dht.ReadNodes(f)
		f.Close()
		if err != nil {
			logger.Warn("unreadable node file", "error", err)
		}
	}
	if id.IsZero() {
		if _, err := os.ReadFile(*nodesFile); err == nil {
			logger.Warn("ignoring corrupt node file", "path", *nodesFile)
		}
		if _, err := rand.Read(id[:]); err != nil {
			logger.Error("random identity", "error", err)
			os.Exit(1)
		}
	}

	node, err := dht.New(dht.Config{
		ID:        id,
		ClientTag: []byte("JC\x00\x00"),
		IPv4:      conn4 != nil,
		IPv6:      conn6 != nil,
		SendTo: func(family routing.Family, payload []byte, to netip.AddrPort) error {
			conn := conn4
			if family == routing.IPv6 {
				conn = conn6
			}
			_, err := conn.WriteToUDPAddrPort(payload, to)
			return err
		},
		Callback: func(event dht.Event, infoHash routing.ID, data []byte) {
			switch event {
			case dht.EventValues, dht.EventValues6:
				logger.Info("peers found", "target", infoHash.String(), "bytes", len(data))
			case dht.EventSearchDone, dht.EventSearchDone6:
				logger.Info("search done", "target", infoHash.String())
			case dht.EventBootstrap, dht.EventBootstrap6:
				logger.Info("bootstrap state", "state", dht.BootstrapState(data[0]).String())
			}
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("init", "error", err)
		os.Exit(1)
	}

	for _, a := range flag.Args() {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			logger.Error("bad bootstrap address", "addr", a, "error", err)
			os.Exit(1)
		}
		if err := node.AddBootstrapNode(ap); err != nil {
			logger.Warn("add bootstrap node", "addr", a, "error", err)
		}
	}

	// Prefer rejoining through saved nodes; fall back to the seeds.
	for _, a := range append(savedV4, savedV6...) {
		_ = node.PingNode(a)
	}
	if conn4 != nil {
		node.EnableBootstrap(routing.IPv4, true)
	}
	if conn6 != nil {
		node.EnableBootstrap(routing.IPv6, true)
	}

	var target routing.ID
	searching := false
	if *searchHex != "" {
		raw, err := hex.DecodeString(*searchHex)
		if err != nil || len(raw) != 20 {
			logger.Error("bad info-hash", "hash", *searchHex)
			os.Exit(1)
		}
		copy(target[:], raw)
		searching = true
	}

	packets := make(chan packet, 16)
	reader := func(conn *net.UDPConn) {
		buf := make([]byte, 4096)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			// The udp4 listener hands back 4-in-6 addresses; unmap so
			// the engine sees the real family.
			from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			packets <- packet{data: data, from: from}
		}
	}
	if conn4 != nil {
		go reader(conn4)
	}
	if conn6 != nil {
		go reader(conn6)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	save := func() {
		f, err := os.Create(*nodesFile)
		if err != nil {
			logger.Warn("save nodes", "error", err)
			return
		}
		defer f.Close()
		if err := node.SaveNodes(f); err != nil {
			logger.Warn("save nodes", "error", err)
		}
	}

	sleep := time.Duration(0)
	searchTicker := time.NewTicker(30 * time.Second)
	defer searchTicker.Stop()

	for {
		var timer <-chan time.Time
		if sleep > 0 {
			timer = time.After(sleep)
		} else {
			timer = time.After(100 * time.Millisecond)
		}

		select {
		case p := <-packets:
			sleep, err = node.Periodic(p.data, p.from)
		case <-timer:
			sleep, err = node.Periodic(nil, netip.AddrPort{})
		case <-searchTicker.C:
			if searching {
				// Wait until the table can sustain a search.
				if c, _ := node.Nodes(routing.IPv4); c.Good >= 4 && c.Good+c.Dubious >= 30 {
					node.Search(target, uint16(*announce), routing.IPv4)
				}
				if conn6 != nil {
					if c, _ := node.Nodes(routing.IPv6); c.Good >= 4 && c.Good+c.Dubious >= 30 {
						node.Search(target, uint16(*announce), routing.IPv6)
					}
				}
			}
			continue
		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				node.DumpTables()
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			save()
			node.Close()
			return
		}
		if err != nil {
			logger.Warn("periodic", "error", err)
			sleep = time.Second
		}
	}
}
