/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	jcr "github.com/tinode/jsonco"

	"github.com/tagmux/relay/server/logs"
	"github.com/tagmux/relay/server/relay"
	"github.com/tagmux/relay/server/slack"
	"github.com/tagmux/relay/server/store"

	// Backends. Each registers itself on import.
	_ "github.com/tagmux/relay/server/db/jsonfile"
	_ "github.com/tagmux/relay/server/db/mem"
	_ "github.com/tagmux/relay/server/db/mysql"
	_ "github.com/tagmux/relay/server/db/postgres"
)

const (
	// currentVersion is the version reported in logs and stats.
	currentVersion = "0.22"

	// Delay before a failed socket connection is retried.
	reconnectDelay = 5 * time.Second
)

// Build timestamp defined by the compiler.
// To define buildstamp as a timestamp of when the server was built add a
// linker flag, e.g.
// ldflags "-X main.buildstamp=`date -u '+%Y%m%dT%H:%M:%SZ'`"
var buildstamp = "undef"

// Large mutable state of the server.
var globals struct {
	// Tag routing engine.
	engine *relay.Engine
	// Platform client, nil until the socket is configured.
	client *slack.Client
	// Channel for stats updates, nil if stats are disabled.
	statsUpdate chan *varUpdate
	// Log HTTP requests to stdout.
	logAccess bool
	// Intentional terminate-in-progress flag.
	shuttingDown bool
}

type configType struct {
	// HTTP(S) address:port to listen on.
	Listen string `json:"listen"`
	// URL path for exposing runtime stats. Disabled if the path is blank or "-".
	ExpvarPath string `json:"expvar"`
	// Log all HTTP requests to stdout.
	LogAccess bool `json:"log_access"`
	// Configs for subsystems
	Store json.RawMessage `json:"store_config"`
	Slack slack.Config    `json:"slack_config"`
	TLS   *tlsConfig      `json:"tls"`
}

func main() {
	executable, _ := os.Executable()

	configfile := flag.String("config", "relay.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	expvarPath := flag.String("expvar", "", "Override the path where runtime stats are exposed. Use '-' to disable.")
	initDb := flag.Bool("init_db", false, "Initialize the database and exit.")
	reset := flag.Bool("reset_db", false, "Drop an existing database while initializing.")
	flag.Parse()

	curwd, err := os.Getwd()
	if err != nil {
		logs.Err.Fatal("Couldn't get current working directory: ", err)
	}

	logs.Info.Printf("Server v%s:%s at '%s'; pid %d; %d process(es)",
		currentVersion, buildstamp, executable, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	*configfile = toAbsolutePath(curwd, *configfile)
	logs.Info.Printf("Using config from '%s'", *configfile)

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatal("Failed to parse config file: ", err)
			}
		}
		file.Close()
	}

	if *initDb {
		if err := store.Store.InitDb(config.Store, *reset); err != nil {
			logs.Err.Fatal("Failed to initialize the database: ", err)
		}
		logs.Info.Println("Database initialized")
		return
	}

	if err := store.Store.Open(config.Store); err != nil {
		logs.Err.Fatal("Failed to connect to persistent storage: ", err)
	}
	logs.Info.Println("Database adapter:", store.Store.GetAdapterName(),
		"; version:", store.Store.GetAdapterVersion())

	globals.logAccess = config.LogAccess

	client := slack.NewClient(config.Slack)
	identity, err := client.Identify()
	if err != nil {
		logs.Err.Fatal("Failed to authenticate with the platform: ", err)
	}
	logs.Info.Printf("Authenticated as user '%s', bot '%s'", identity.User, identity.Bot)

	globals.engine = relay.New(identity.Bot)
	globals.client = client

	cmds := &commandHandler{engine: globals.engine, msgr: client}
	events := &eventHandler{engine: globals.engine, msgr: client}
	client.OnCommand = cmds.handle
	client.OnMessage = events.handleMessage

	mux := http.NewServeMux()

	evpath := *expvarPath
	if evpath == "" {
		evpath = config.ExpvarPath
	}
	statsInit(mux, evpath)
	statsRegisterInt("IncomingMessagesTotal")
	statsRegisterInt("RelayedMessagesTotal")
	statsRegisterInt("DroppedMessagesTotal")
	statsRegisterInt("FailedDeliveriesTotal")
	statsRegisterInt("CommandsTotal")

	mux.HandleFunc("/health", serveHealth)

	// Keep the socket connection alive until shutdown.
	go socketLoop(client)

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if err = listenAndServe(config.Listen, mux, config.TLS, signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}

	logs.Info.Println("All done, good bye")
}

// socketLoop keeps the event socket connected, reconnecting with a fixed
// delay. The platform rotates socket URLs, so every reconnect starts from
// a fresh apps.connections.open call.
func socketLoop(client *slack.Client) {
	for !globals.shuttingDown {
		if err := client.Connect(); err != nil {
			logs.Err.Println("socket: connect failed:", err)
			time.Sleep(reconnectDelay)
			continue
		}
		logs.Info.Println("socket: connected")
		if err := client.Run(); err != nil && !globals.shuttingDown {
			logs.Warn.Println("socket: connection lost:", err)
		}
	}
}

// Convert relative filepath to absolute.
func toAbsolutePath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(base, path))
}
