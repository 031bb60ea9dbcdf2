package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/kanbanmesh/mesh/mesh"
	"github.com/kanbanmesh/mesh/signal"
)

const MeshCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Mesh control.

Usage:
    meshctl create-identity --identity=<identity>
    meshctl new-device --device=<device>
    meshctl authorize-device --identity=<identity> --device=<device>
        --store=<store>
    meshctl revoke-device --identity=<identity> --device_id=<device_id>
        --store=<store>
    meshctl run [--config=<config>] [--identity=<identity>]
        [--device=<device>] [--store=<store>] [--listen=<listen>]
        [--signal_url=<signal_url>] [--room=<room>]
        [--room_token=<room_token>] [--peer=<peer>...]
    meshctl board --identity=<identity> --store=<store>
    meshctl export --identity=<identity> --store=<store> --out=<out>
    meshctl import --identity=<identity> --store=<store> --in=<in>
    meshctl signal [--listen=<listen>] [--room_secret=<room_secret>]
    meshctl room-token --room_secret=<room_secret> --room=<room>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --config=<config>              Config file (yaml) for run defaults.
    --identity=<identity>          Identity file.
    --device=<device>              Device key file.
    --device_id=<device_id>        Device id to revoke.
    --store=<store>                Operation store file.
    --listen=<listen>              Listen address.
    --signal_url=<signal_url>      Signaling server url.
    --room=<room>                  Signaling room.
    --room_token=<room_token>      Room token for the signaling server.
    --room_secret=<room_secret>    HMAC secret for minting room tokens.
    --peer=<peer>                  Manual peer code (repeatable).
    --out=<out>                    Export file.
    --in=<in>                      Import file.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MeshCtlVersion)
	if err != nil {
		panic(err)
	}

	if createIdentity_, _ := opts.Bool("create-identity"); createIdentity_ {
		createIdentity(opts)
	} else if newDevice_, _ := opts.Bool("new-device"); newDevice_ {
		newDevice(opts)
	} else if authorizeDevice_, _ := opts.Bool("authorize-device"); authorizeDevice_ {
		authorizeDevice(opts)
	} else if revokeDevice_, _ := opts.Bool("revoke-device"); revokeDevice_ {
		revokeDevice(opts)
	} else if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if board_, _ := opts.Bool("board"); board_ {
		board(opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		exportStore(opts)
	} else if import_, _ := opts.Bool("import"); import_ {
		importStore(opts)
	} else if signal_, _ := opts.Bool("signal"); signal_ {
		runSignal(opts)
	} else if roomToken_, _ := opts.Bool("room-token"); roomToken_ {
		roomToken(opts)
	}
}

func createIdentity(opts docopt.Opts) {
	path, _ := opts.String("--identity")
	authority, err := mesh.CreateIdentity()
	if err != nil {
		Err.Fatalf("create identity: %s", err)
	}
	if err := authority.Save(path); err != nil {
		Err.Fatalf("save identity: %s", err)
	}
	Out.Printf("user_id: %s", authority.Identity().UserId)
}

func newDevice(opts docopt.Opts) {
	path, _ := opts.String("--device")
	device, err := mesh.NewDevice()
	if err != nil {
		Err.Fatalf("new device: %s", err)
	}
	if err := device.Save(path); err != nil {
		Err.Fatalf("save device: %s", err)
	}
	Out.Printf("device_id: %s", device.DeviceId)
}

func authorizeDevice(opts docopt.Opts) {
	node, store := openNode(opts)
	defer store.Close()

	devicePath, _ := opts.String("--device")
	device, err := mesh.LoadDevice(devicePath)
	if err != nil {
		Err.Fatalf("load device: %s", err)
	}
	op, err := node.AuthorizeDevice(device)
	if err != nil {
		Err.Fatalf("authorize device: %s", err)
	}
	Out.Printf("authorized %s (op %s)", device.DeviceId, op.Id)
}

func revokeDevice(opts docopt.Opts) {
	node, store := openNode(opts)
	defer store.Close()

	deviceId, _ := opts.String("--device_id")
	op, err := node.RevokeDevice(deviceId)
	if err != nil {
		Err.Fatalf("revoke device: %s", err)
	}
	Out.Printf("revoked %s (op %s)", deviceId, op.Id)
}

// openNode loads the identity and store for the one-shot commands,
// which do not need a device key.
func openNode(opts docopt.Opts) (*mesh.Node, *mesh.FileStore) {
	identityPath, _ := opts.String("--identity")
	storePath, _ := opts.String("--store")

	authority, err := mesh.LoadIdentityAuthority(identityPath)
	if err != nil {
		Err.Fatalf("load identity: %s", err)
	}
	store, err := mesh.NewFileStore(storePath)
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}
	// commands that only sign with the master key still need a device
	// value for the node; a throwaway key is fine because the device
	// never signs here
	device, err := mesh.NewDevice()
	if err != nil {
		Err.Fatalf("new device: %s", err)
	}
	node, err := mesh.NewNodeWithDefaults(context.Background(), authority, device, store)
	if err != nil {
		Err.Fatalf("open node: %s", err)
	}
	return node, store
}

func run(opts docopt.Opts) {
	config, err := loadRunConfig(opts)
	if err != nil {
		Err.Fatalf("config: %s", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authority, err := mesh.LoadIdentityAuthority(config.Identity)
	if err != nil {
		Err.Fatalf("load identity: %s", err)
	}
	device, err := mesh.LoadDevice(config.Device)
	if err != nil {
		Err.Fatalf("load device: %s", err)
	}
	store, err := mesh.NewFileStore(config.Store)
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}
	defer store.Close()

	node, err := mesh.NewNodeWithDefaults(cancelCtx, authority, device, store)
	if err != nil {
		Err.Fatalf("open node: %s", err)
	}
	defer node.Cancel()

	node.AddSnapshotListener(func(snapshot *mesh.BoardSnapshot) {
		Out.Printf("board: %d cards, %d devices", len(snapshot.Cards), len(snapshot.AuthorizedDevices))
	})

	listener, err := mesh.NewWsListener(cancelCtx, config.Listen, mesh.DefaultWsTransportSettings())
	if err != nil {
		Err.Fatalf("listen: %s", err)
	}
	defer listener.Close()
	go node.Serve(listener)

	code, err := mesh.EncodePeerCode(mesh.PeerAnnounced{
		PeerId:            device.DeviceId,
		ConnectDescriptor: listener.Url(),
	})
	if err != nil {
		Err.Fatalf("peer code: %s", err)
	}
	Out.Printf("listening on %s", listener.Url())
	Out.Printf("peer code: %s", code)

	if config.SignalUrl != "" {
		settings := mesh.DefaultSignalDiscoverySettings()
		settings.RoomToken = config.RoomToken
		discovery := mesh.NewSignalDiscovery(
			cancelCtx,
			config.SignalUrl,
			config.Room,
			device.DeviceId,
			listener.Url(),
			settings,
		)
		defer discovery.Close()
		go node.RunDiscovery(discovery)
	}

	if 0 < len(config.Peers) {
		events := []mesh.PeerAnnounced{}
		for _, peerCode := range config.Peers {
			event, err := mesh.DecodePeerCode(peerCode)
			if err != nil {
				Err.Fatalf("peer code: %s", err)
			}
			events = append(events, event)
		}
		discovery := mesh.NewStaticDiscovery(events...)
		go node.RunDiscovery(discovery)
	}

	waitForSignal()
}

func board(opts docopt.Opts) {
	node, store := openNode(opts)
	defer store.Close()

	snapshot := node.Snapshot()
	Out.Printf("%d authorized devices", len(snapshot.AuthorizedDevices))
	for cardId, card := range snapshot.Cards {
		Out.Printf("[%s #%d] %s (%s)", card.Column, card.Position, card.Title, cardId)
	}
}

func exportStore(opts docopt.Opts) {
	node, store := openNode(opts)
	defer store.Close()

	outPath, _ := opts.String("--out")
	file, err := os.Create(outPath)
	if err != nil {
		Err.Fatalf("create %s: %s", outPath, err)
	}
	defer file.Close()
	if err := node.Export(file); err != nil {
		Err.Fatalf("export: %s", err)
	}
	Out.Printf("exported %d operations", node.Log().Len())
}

func importStore(opts docopt.Opts) {
	node, store := openNode(opts)
	defer store.Close()

	inPath, _ := opts.String("--in")
	file, err := os.Open(inPath)
	if err != nil {
		Err.Fatalf("open %s: %s", inPath, err)
	}
	defer file.Close()
	result, err := node.Import(file)
	if err != nil {
		Err.Fatalf("import: %s", err)
	}
	Out.Printf("imported accepted=%d rejected=%d", result.Accepted, result.Rejected)
}

func runSignal(opts docopt.Opts) {
	listenAddress, _ := opts.String("--listen")
	if listenAddress == "" {
		listenAddress = "0.0.0.0:8765"
	}
	roomSecret, _ := opts.String("--room_secret")

	settings := signal.DefaultServerSettings()
	settings.RoomSecret = roomSecret

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := signal.NewServer(cancelCtx, listenAddress, settings)
	if err != nil {
		Err.Fatalf("signal server: %s", err)
	}
	defer server.Close()
	Out.Printf("signal server: %s", server.Url())

	waitForSignal()
}

func roomToken(opts docopt.Opts) {
	roomSecret, _ := opts.String("--room_secret")
	room, _ := opts.String("--room")
	token, err := signal.RoomToken(roomSecret, room, 24*time.Hour)
	if err != nil {
		Err.Fatalf("room token: %s", err)
	}
	Out.Printf("%s", token)
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	fmt.Fprintln(os.Stderr, "shutting down")
}
