package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pairlink/config"
	"pairlink/crypto"
	"pairlink/discovery"
	"pairlink/pairing"
	"pairlink/storage"
	"pairlink/wire"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	ed25519PrivateKey, ed25519PublicKey, err := crypto.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing Ed25519 keypair: %v", err)
	}

	fingerprint := crypto.KeyFingerprint(ed25519PublicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	metadata := pairing.LocalDeviceMetadata("desktop")

	fmt.Printf("Peer ID:         %s\n", cfg.PeerID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	node, err := wire.NewNode(wire.NodeOptions{
		Identity: wire.LocalIdentity{
			PeerID:            cfg.PeerID,
			Metadata:          metadata,
			Ed25519PrivateKey: ed25519PrivateKey,
			Ed25519PublicKey:  ed25519PublicKey,
		},
		ListenAddress: listenAddress(cfg),
		OnUnpaired: func(peerID string) {
			if err := store.RemoveDevice(peerID); err != nil {
				log.Printf("unpair notification: remove device %s: %v", peerID, err)
				return
			}
			recordAuditEvent(store, storage.EventDeviceRemoved, peerID, "revoked by peer")
			log.Printf("pairing revoked by peer %s", peerID)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating network node: %v", err)
	}
	if err := node.Start(); err != nil {
		log.Fatalf("startup failed while starting network node: %v", err)
	}
	defer node.Stop()

	listenPort := boundPort(node.Addr())
	fmt.Printf("Listening Port:  %d\n", listenPort)

	registry, err := pairing.NewRegistry(pairing.RegistryOptions{
		PeerID:         cfg.PeerID,
		Metadata:       metadata,
		Store:          node,
		Running:        node.Running,
		ReachableAddrs: func() []string { return reachableAddrs(listenPort) },
	})
	if err != nil {
		log.Fatalf("startup failed while creating registry: %v", err)
	}

	resolver, err := pairing.NewResolver(pairing.ResolverOptions{
		Store:   node,
		Running: node.Running,
	})
	if err != nil {
		log.Fatalf("startup failed while creating resolver: %v", err)
	}

	coordinator, err := pairing.NewCoordinator(pairing.CoordinatorOptions{
		LocalPeerID: cfg.PeerID,
		Node:        node,
		Registry:    registry,
		Resolver:    resolver,
		Trust:       store.Trust(),
	})
	if err != nil {
		log.Fatalf("startup failed while creating coordinator: %v", err)
	}
	node.SetInboundHandler(coordinator.HandleInbound)

	var scanner *discovery.PeerScanner
	discoveryService, err := discovery.Start(discovery.Config{
		SelfPeerID:     cfg.PeerID,
		Hostname:       cfg.DeviceName,
		ListeningPort:  listenPort,
		KeyFingerprint: cfg.KeyFingerprint,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		scanner = discoveryService.Scanner
		fmt.Println("Discovery:       running")
		go feedDiscoveryEvents(scanner.Events(), node)
	}

	go logNodeErrors(node.Errors())
	go auditCoordinatorEvents(coordinator.Events(), store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (type \"help\" for commands, Ctrl+C to stop)")
	go runConsole(ctx, consoleDeps{
		coordinator: coordinator,
		registry:    registry,
		node:        node,
		store:       store,
		scanner:     scanner,
	})

	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func listenAddress(cfg *config.DeviceConfig) string {
	if cfg.PortMode == config.PortModeFixed && cfg.ListeningPort > 0 {
		return fmt.Sprintf(":%d", cfg.ListeningPort)
	}
	return ":0"
}

func boundPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// reachableAddrs lists the non-loopback unicast addresses a LAN peer can dial,
// joined with the bound listen port.
func reachableAddrs(port int) []string {
	interfaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	var out []string
	for _, addr := range interfaceAddrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, net.JoinHostPort(ipNet.IP.String(), strconv.Itoa(port)))
	}
	return out
}

func feedDiscoveryEvents(events <-chan discovery.Event, node *wire.Node) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerUpserted:
			for _, addr := range event.Peer.DialAddrs() {
				node.AddAddressHint(event.Peer.PeerID, addr)
			}
			log.Printf("discovery: peer available id=%s name=%q addrs=%v",
				event.Peer.PeerID, event.Peer.Hostname, event.Peer.Addresses)
		case discovery.EventPeerRemoved:
			log.Printf("discovery: peer removed id=%s", event.Peer.PeerID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Peer.PeerID)
		}
	}
}

func logNodeErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("network: %v", err)
	}
}

// auditCoordinatorEvents mirrors coordinator notifications into the pairing
// audit log and the console.
func auditCoordinatorEvents(events <-chan pairing.Event, store *storage.Store) {
	for event := range events {
		switch event.Type {
		case pairing.EventRequestReceived:
			if event.Pending == nil {
				continue
			}
			fmt.Printf("\npairing request #%d from %s (%s, %s/%s) via %s\n> ",
				event.Pending.PendingID, event.Pending.Device.Hostname,
				event.Pending.FromPeerID, event.Pending.Device.OS,
				event.Pending.Device.Arch, event.Pending.Method)
		case pairing.EventDeviceAdded:
			if event.Device == nil {
				continue
			}
			recordAuditEvent(store, storage.EventPairingAccepted, event.Device.PeerID, event.Device.Hostname)
			fmt.Printf("\npaired with %s (%s)\n> ", event.Device.Hostname, event.Device.PeerID)
		}
	}
}

func recordAuditEvent(store *storage.Store, eventType, peerID, details string) {
	err := store.RecordPairingEvent(storage.PairingEvent{
		EventType: eventType,
		PeerID:    peerID,
		Details:   details,
	})
	if err != nil {
		log.Printf("audit log: %v", err)
	}
}

type consoleDeps struct {
	coordinator *pairing.Coordinator
	registry    *pairing.Registry
	node        *wire.Node
	store       *storage.Store
	scanner     *discovery.PeerScanner
}

func runConsole(ctx context.Context, deps consoleDeps) {
	input := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for input.Scan() {
		line := strings.TrimSpace(input.Text())
		if line != "" {
			runCommand(ctx, deps, strings.Fields(line))
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		fmt.Print("> ")
	}
}

func runCommand(ctx context.Context, deps consoleDeps, args []string) {
	switch args[0] {
	case "help":
		printHelp()
	case "generate":
		cmdGenerate(ctx, deps, args[1:])
	case "refresh":
		cmdRefresh(ctx, deps)
	case "resolve":
		cmdResolve(ctx, deps, args[1:])
	case "pair":
		cmdPair(ctx, deps, args[1:])
	case "request":
		cmdRequest(ctx, deps, args[1:])
	case "pending":
		cmdPending(deps)
	case "respond":
		cmdRespond(deps, args[1:])
	case "devices":
		cmdDevices(deps)
	case "remove":
		cmdRemove(deps, args[1:])
	case "peers":
		cmdPeers(deps)
	case "history":
		cmdHistory(deps)
	case "reset":
		deps.coordinator.Reset()
		fmt.Println("session reset")
	case "status":
		cmdStatus(deps)
	default:
		fmt.Printf("unknown command %q (try \"help\")\n", args[0])
	}
}

func printHelp() {
	fmt.Println(`commands:
  generate [ttl-seconds]        publish a fresh pairing code
  refresh                       extend the current code's validity
  resolve <code>                look up the device behind a code
  pair <code>                   resolve a code and request pairing
  request <peer-id>             request pairing with a discovered peer
  pending                       list unanswered inbound requests
  respond <id> accept|refuse [reason]
  devices                       list paired devices
  remove <peer-id>              revoke a pairing
  peers                         list LAN-discovered devices
  history                       show recent pairing audit events
  reset                         abandon the current pairing session
  status                        show the current session phase`)
}

func cmdGenerate(ctx context.Context, deps consoleDeps, args []string) {
	var ttl time.Duration
	if len(args) > 0 {
		seconds, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("bad ttl %q\n", args[0])
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}

	generated, err := deps.coordinator.GeneratePairingCode(ctx, ttl)
	if err != nil {
		fmt.Printf("generate failed: %v\n", err)
		return
	}
	recordAuditEvent(deps.store, storage.EventCodeGenerated, "", generated.Code)
	fmt.Printf("pairing code %s (valid %s, until %s)\n",
		generated.Code, generated.TTL, formatMillis(generated.Record.ExpiresAt))
}

func cmdRefresh(ctx context.Context, deps consoleDeps) {
	generated, err := deps.registry.Refresh(ctx)
	if err != nil {
		fmt.Printf("refresh failed: %v\n", err)
		return
	}
	fmt.Printf("pairing code %s (valid until %s)\n", generated.Code, formatMillis(generated.Record.ExpiresAt))
}

func cmdResolve(ctx context.Context, deps consoleDeps, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: resolve <code>")
		return
	}

	info, err := deps.coordinator.GetDeviceInfo(ctx, args[0])
	if err != nil {
		fmt.Printf("resolve failed: %v\n", err)
		return
	}
	fmt.Printf("device %s (%s, %s/%s) peer=%s addrs=%v\n",
		info.Record.Hostname, info.Record.OS, info.Record.Platform,
		info.Record.Arch, info.PeerID, info.Record.ReachableAddrs)
}

func cmdPair(ctx context.Context, deps consoleDeps, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: pair <code>")
		return
	}
	code := args[0]

	info, err := deps.coordinator.GetDeviceInfo(ctx, code)
	if err != nil {
		fmt.Printf("resolve failed: %v\n", err)
		return
	}
	fmt.Printf("found %s (%s), requesting pairing\n", info.Record.Hostname, info.PeerID)

	finishRequest(ctx, deps, info.PeerID, pairing.CodeMethod(code), info.Record.ReachableAddrs)
}

func cmdRequest(ctx context.Context, deps consoleDeps, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: request <peer-id>")
		return
	}
	peerID := args[0]

	var addrs []string
	if deps.scanner != nil {
		if peer, ok := deps.scanner.Lookup(peerID); ok {
			addrs = peer.DialAddrs()
		}
	}

	finishRequest(ctx, deps, peerID, pairing.DirectMethod(), addrs)
}

func finishRequest(ctx context.Context, deps consoleDeps, peerID string, method pairing.Method, addrs []string) {
	result, err := deps.coordinator.RequestPairing(ctx, peerID, method, addrs)
	if err != nil {
		recordAuditEvent(deps.store, storage.EventPairingFailed, peerID, err.Error())
		fmt.Printf("pairing failed: %v\n", err)
		return
	}

	switch result.Status {
	case pairing.StatusSuccess:
		fmt.Printf("pairing accepted by %s\n", peerID)
	case pairing.StatusRefused:
		recordAuditEvent(deps.store, storage.EventPairingRefused, peerID, result.Reason)
		if result.Reason != "" {
			fmt.Printf("pairing refused: %s\n", result.Reason)
		} else {
			fmt.Println("pairing refused")
		}
	}
}

func cmdPending(deps consoleDeps) {
	pending := deps.coordinator.PendingRequests()
	if len(pending) == 0 {
		fmt.Println("no pending requests")
		return
	}
	for _, request := range pending {
		fmt.Printf("#%d  %s (%s, %s/%s) via %s, received %s\n",
			request.PendingID, request.Device.Hostname, request.FromPeerID,
			request.Device.OS, request.Device.Arch, request.Method,
			request.ReceivedAt.Format(time.Kitchen))
	}
}

func cmdRespond(deps consoleDeps, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: respond <id> accept|refuse [reason]")
		return
	}

	pendingID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("bad request id %q\n", args[0])
		return
	}

	var accept bool
	switch args[1] {
	case "accept":
		accept = true
	case "refuse":
	default:
		fmt.Println("usage: respond <id> accept|refuse [reason]")
		return
	}
	reason := strings.Join(args[2:], " ")

	var method pairing.Method
	var fromPeerID string
	for _, request := range deps.coordinator.PendingRequests() {
		if request.PendingID == pendingID {
			method = request.Method
			fromPeerID = request.FromPeerID
			break
		}
	}
	if fromPeerID == "" {
		fmt.Println("no such pending request")
		return
	}

	if err := deps.coordinator.RespondPairingRequest(pendingID, method, accept, reason); err != nil {
		if errors.Is(err, pairing.ErrAlreadyResolved) {
			fmt.Println("request already resolved")
			return
		}
		fmt.Printf("respond failed: %v\n", err)
		return
	}

	if accept {
		fmt.Printf("accepted pairing with %s\n", fromPeerID)
	} else {
		recordAuditEvent(deps.store, storage.EventPairingRefused, fromPeerID, reason)
		fmt.Printf("refused pairing with %s\n", fromPeerID)
	}
}

func cmdDevices(deps consoleDeps) {
	devices, err := deps.coordinator.PairedDevices()
	if err != nil {
		fmt.Printf("list failed: %v\n", err)
		return
	}
	if len(devices) == 0 {
		fmt.Println("no paired devices")
		return
	}
	for _, device := range devices {
		fmt.Printf("%s  %s (%s/%s/%s)\n",
			device.PeerID, device.Hostname, device.OS, device.Platform, device.Arch)
	}
}

func cmdRemove(deps consoleDeps, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: remove <peer-id>")
		return
	}
	peerID := args[0]

	if err := deps.coordinator.RemovePairedDevice(peerID); err != nil {
		fmt.Printf("remove failed: %v\n", err)
		return
	}
	if err := deps.node.SendUnpair(peerID); err != nil {
		log.Printf("unpair notification to %s failed: %v", peerID, err)
	}
	recordAuditEvent(deps.store, storage.EventDeviceRemoved, peerID, "removed locally")
	fmt.Printf("removed %s\n", peerID)
}

func cmdPeers(deps consoleDeps) {
	if deps.scanner == nil {
		fmt.Println("discovery is not running")
		return
	}
	peers := deps.scanner.ListPeers()
	if len(peers) == 0 {
		fmt.Println("no peers discovered")
		return
	}
	for _, peer := range peers {
		fmt.Printf("%s  %s  %v port=%d\n", peer.PeerID, peer.Hostname, peer.Addresses, peer.Port)
	}
}

func cmdHistory(deps consoleDeps) {
	events, err := deps.store.ListPairingEvents(20)
	if err != nil {
		fmt.Printf("history failed: %v\n", err)
		return
	}
	if len(events) == 0 {
		fmt.Println("no pairing events")
		return
	}
	for _, event := range events {
		line := fmt.Sprintf("%s  %s", formatMillis(event.Timestamp), event.EventType)
		if event.PeerID != "" {
			line += "  peer=" + event.PeerID
		}
		if event.Details != "" {
			line += "  " + event.Details
		}
		fmt.Println(line)
	}
}

func formatMillis(millis int64) string {
	return time.UnixMilli(millis).Format("15:04:05")
}

func cmdStatus(deps consoleDeps) {
	phase := deps.coordinator.Phase()
	fmt.Printf("phase: %s", phase.Kind)
	switch {
	case phase.Code != "":
		fmt.Printf(" code=%s", phase.Code)
	case phase.PeerID != "":
		fmt.Printf(" peer=%s", phase.PeerID)
	case phase.Reason != "":
		fmt.Printf(" reason=%q", phase.Reason)
	case phase.Err != nil:
		fmt.Printf(" error=%v", phase.Err)
	}
	fmt.Println()
	fmt.Printf("connected peers: %v\n", deps.node.ConnectedPeers())
}
