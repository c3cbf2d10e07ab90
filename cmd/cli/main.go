// Command smt is a CLI client for the marketplace sync service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/phelinki/smor-ting-sub004/internal/client/api"
	"github.com/phelinki/smor-ting-sub004/internal/client/credstore"
	"github.com/phelinki/smor-ting-sub004/internal/client/localsync"
	"github.com/phelinki/smor-ting-sub004/internal/client/session"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// ---- config dir ----

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "smorting")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "smorting")
}

func deviceID(dir string) (string, error) {
	path := filepath.Join(dir, "device_id")
	if b, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	id, err := u.NewV4()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id.String()), 0o600); err != nil {
		return "", err
	}
	return id.String(), nil
}

// ---- app wiring ----

// tokenBridge lets the HTTP client be built before the session manager that
// feeds it tokens.
type tokenBridge struct{ m *session.Manager }

func (b *tokenBridge) AccessToken(ctx context.Context) (string, error) {
	return b.m.AccessToken(ctx)
}
func (b *tokenBridge) ForceRefresh(ctx context.Context) (string, error) {
	return b.m.ForceRefresh(ctx)
}

type app struct {
	dir      string
	deviceID string
	api      *api.Client
	sessions *session.Manager
	replica  *localsync.Store
	engine   *localsync.Engine
}

func setup(baseURL string) (*app, error) {
	dir := cfgDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	dev, err := deviceID(dir)
	if err != nil {
		return nil, err
	}

	bridge := &tokenBridge{}
	cli := api.NewClient(baseURL, bridge, 0)
	mgr := session.NewManager(credstore.New(dir), cli, session.Config{}, nil)
	bridge.m = mgr

	replica := localsync.NewStore(dir)
	return &app{
		dir:      dir,
		deviceID: dev,
		api:      cli,
		sessions: mgr,
		replica:  replica,
		engine:   localsync.NewEngine(replica, cli, nil),
	}, nil
}

// restore brings the session up before an authenticated command runs.
func (a *app) restore(ctx context.Context) error {
	state, err := a.sessions.RestoreSession(ctx)
	if err != nil {
		return err
	}
	if state != session.Authenticated {
		return errors.New("not logged in (run: smt login)")
	}
	return nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `smt CLI
Usage:
  smt -addr URL <cmd> [args]

Commands:
  version
  register          -email <email> -p <password> [-role customer|provider]
  login             -email <email> -p <password> [-remember]
  refresh
  logout
  biometric-enroll
  sync                                           (pull then push)
  list              [-collection name]
  edit              -collection <name> -file <json> [-id <uuid>]
  rm                -id <uuid>
  status
  resolve           -queue <id> -keep mine|server
  sessions
  revoke-all
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the local replica and the backend.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if cmd == "version" {
		fmt.Printf("smt %s (%s)\n", version, buildDate)
		return
	}

	a, err := setup(*addr)
	if err != nil {
		fail(err)
	}

	switch cmd {

	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		email := fs.String("email", "", "email")
		p := fs.String("p", "", "password")
		role := fs.String("role", "customer", "role")
		_ = fs.Parse(flag.Args()[1:])
		if *email == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -email and -p")
			os.Exit(1)
		}
		uid, err := a.api.Register(ctx, *email, *p, *role)
		if err != nil {
			fail(err)
		}
		fmt.Println(uid)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		email := fs.String("email", "", "email")
		p := fs.String("p", "", "password")
		remember := fs.Bool("remember", false, "remember this device")
		_ = fs.Parse(flag.Args()[1:])
		if *email == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -email and -p")
			os.Exit(1)
		}
		host, _ := os.Hostname()
		device := model.DeviceInfo{DeviceID: a.deviceID, DeviceName: host, Platform: "cli"}
		if err := a.sessions.Login(ctx, *email, *p, device, *remember); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "refresh":
		if err := a.restore(ctx); err != nil {
			fail(err)
		}
		if _, err := a.sessions.ForceRefresh(ctx); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "logout":
		if err := a.sessions.Logout(ctx); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "biometric-enroll":
		if err := a.restore(ctx); err != nil {
			fail(err)
		}
		if err := a.sessions.EnrollBiometric(ctx); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "sync":
		if err := a.restore(ctx); err != nil {
			fail(err)
		}
		res, err := a.engine.Sync(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Printf("pulled %d, pushed %d, conflicts %d\n", res.Pulled, res.Pushed, len(res.Conflicts))
		for _, c := range res.Conflicts {
			fmt.Printf("  conflict: record %s queue %s\n", c.RecordID, c.QueueID)
		}

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		collection := fs.String("collection", "", "filter by collection")
		_ = fs.Parse(flag.Args()[1:])
		records, err := a.replica.Records()
		if err != nil {
			fail(err)
		}
		type row struct {
			ID         string `json:"id"`
			Collection string `json:"collection"`
			Version    int64  `json:"version"`
			UpdatedAt  string `json:"updated_at"`
		}
		rows := []row{}
		for _, r := range records {
			if *collection != "" && r.Collection != *collection {
				continue
			}
			rows = append(rows, row{
				ID:         r.ID.String(),
				Collection: r.Collection,
				Version:    r.Version,
				UpdatedAt:  r.UpdatedAt.Format(time.RFC3339),
			})
		}
		printJSON(rows)

	case "edit":
		fs := flag.NewFlagSet("edit", flag.ExitOnError)
		id := fs.String("id", "", "record id (empty: new record)")
		collection := fs.String("collection", "", "collection")
		file := fs.String("file", "", "payload JSON file, - for stdin")
		_ = fs.Parse(flag.Args()[1:])
		if *collection == "" || *file == "" {
			fmt.Fprintln(os.Stderr, "need -collection and -file")
			os.Exit(1)
		}
		payload, err := readAll(*file)
		if err != nil {
			fail(err)
		}
		if !json.Valid(payload) {
			fail(errors.New("payload is not valid JSON"))
		}

		var recordID u.UUID
		if *id == "" {
			recordID = u.Must(u.NewV4())
		} else if recordID, err = u.FromString(*id); err != nil {
			fail(err)
		}
		var base int64
		records, err := a.replica.Records()
		if err != nil {
			fail(err)
		}
		if rec, ok := records[recordID.String()]; ok {
			base = rec.Version
		}
		err = a.replica.Enqueue(model.Change{
			RecordID:    recordID,
			Collection:  *collection,
			BaseVersion: base,
			Payload:     payload,
		})
		if err != nil {
			fail(err)
		}
		fmt.Println(recordID.String())

	case "rm":
		fs := flag.NewFlagSet("rm", flag.ExitOnError)
		id := fs.String("id", "", "record id")
		_ = fs.Parse(flag.Args()[1:])
		recordID, err := u.FromString(*id)
		if err != nil {
			fail(err)
		}
		records, err := a.replica.Records()
		if err != nil {
			fail(err)
		}
		rec, ok := records[recordID.String()]
		if !ok {
			fail(errors.New("record not in local replica"))
		}
		err = a.replica.Enqueue(model.Change{
			RecordID:    recordID,
			Collection:  rec.Collection,
			BaseVersion: rec.Version,
			Payload:     json.RawMessage(`{}`),
			Deleted:     true,
		})
		if err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "status":
		if err := a.restore(ctx); err != nil {
			fail(err)
		}
		st, err := a.api.Status(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(st)

	case "resolve":
		fs := flag.NewFlagSet("resolve", flag.ExitOnError)
		queue := fs.String("queue", "", "queue item id")
		keep := fs.String("keep", "", "mine or server")
		_ = fs.Parse(flag.Args()[1:])
		if *queue == "" || (*keep != "mine" && *keep != "server") {
			fmt.Fprintln(os.Stderr, "need -queue and -keep mine|server")
			os.Exit(1)
		}
		if err := a.restore(ctx); err != nil {
			fail(err)
		}
		if err := a.api.Resolve(ctx, *queue, *keep == "mine"); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "sessions":
		if err := a.restore(ctx); err != nil {
			fail(err)
		}
		raw, err := a.api.Sessions(ctx)
		if err != nil {
			fail(err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			fail(err)
		}
		printJSON(v)

	case "revoke-all":
		if err := a.restore(ctx); err != nil {
			fail(err)
		}
		if err := a.api.RevokeAll(ctx); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}
