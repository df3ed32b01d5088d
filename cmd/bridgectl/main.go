// Command bridgectl drives a DeviceBridge host from the command line the way
// a phone would: discover, pair, push toggles and watch status.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"DeviceBridge/internal/client"
	"DeviceBridge/internal/session"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const usage = `usage: bridgectl [flags] <command> [args]

commands:
  discover            list hosts answering on the LAN
  status              print the host session
  pair <code>         pair with the host
  unpair              forget the pairing
  qr [file.png]       issue a QR pairing token, optionally saving the image
  redeem <token>      exchange a QR token for the host descriptor
  toggles             push desired resources (see --camera, --microphone, --speaker)
  watch               follow status changes until interrupted
`

type options struct {
	host        string
	broadcast   string
	window      time.Duration
	timeout     time.Duration
	deviceName  string
	deviceID    string
	camera      bool
	microphone  bool
	speaker     bool
	streamURL   string
	lens        string
	orientation string
}

func main() {
	log := logrus.New()
	if err := run(os.Args[1:], log); err != nil {
		fmt.Fprintln(os.Stderr, "bridgectl:", err)
		os.Exit(1)
	}
}

func run(args []string, log *logrus.Logger) error {
	var opts options
	fs := flag.NewFlagSet("bridgectl", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.host, "host", "", "host base URL; discovered when empty")
	fs.StringVar(&opts.broadcast, "broadcast", "255.255.255.255:47777", "discovery target address")
	fs.DurationVar(&opts.window, "window", 1500*time.Millisecond, "how long to wait for discovery replies")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")
	fs.StringVar(&opts.deviceName, "device-name", "", "name reported to the host")
	fs.StringVar(&opts.deviceID, "device-id", "", "id reported to the host")
	fs.BoolVar(&opts.camera, "camera", false, "camera wanted")
	fs.BoolVar(&opts.microphone, "microphone", false, "microphone wanted")
	fs.BoolVar(&opts.speaker, "speaker", false, "speaker wanted")
	fs.StringVar(&opts.streamURL, "stream-url", "", "phone stream address for camera and microphone")
	fs.StringVar(&opts.lens, "lens", "", "front or back")
	fs.StringVar(&opts.orientation, "orientation", "", "auto, portrait_lock or landscape_lock")
	verbose := fs.BoolP("verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "discover" {
		return discover(ctx, opts, log)
	}
	if cmd != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	baseURL, err := resolveHost(ctx, opts, log)
	if err != nil {
		return err
	}
	host, err := client.NewHostClient(client.HostClientConfig{BaseURL: baseURL})
	if err != nil {
		return err
	}

	switch cmd {
	case "status":
		st, err := host.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	case "pair":
		if len(rest) != 1 {
			return errors.New("pair needs exactly one pair code")
		}
		st, err := host.Pair(ctx, rest[0], optional(opts.deviceName), optional(opts.deviceID))
		if err != nil {
			return err
		}
		return printJSON(st)
	case "unpair":
		st, err := host.Unpair(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	case "qr":
		return issueQR(ctx, host, rest)
	case "redeem":
		if len(rest) != 1 {
			return errors.New("redeem needs exactly one token")
		}
		d, err := host.RedeemQRToken(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(d)
	case "toggles":
		return pushToggles(ctx, host, opts, log)
	case "watch":
		return watch(ctx, baseURL, log)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func discover(ctx context.Context, opts options, log logrus.FieldLogger) error {
	found, err := client.Probe(ctx, opts.broadcast, opts.window, log)
	if err != nil {
		return err
	}
	snap := client.Reconcile(client.ReconcileInput{
		Candidates:        client.Candidates(found),
		SelectedBaseURL:   opts.host,
		ExplicitSelection: opts.host != "",
	})
	return printJSON(snap)
}

// resolveHost uses --host when given, otherwise picks the only host that answers discovery.
func resolveHost(ctx context.Context, opts options, log logrus.FieldLogger) (string, error) {
	if opts.host != "" {
		return opts.host, nil
	}
	found, err := client.Probe(ctx, opts.broadcast, opts.window, log)
	if err != nil {
		return "", err
	}
	snap := client.Reconcile(client.ReconcileInput{Candidates: client.Candidates(found)})
	if snap.SelectedBaseURL == "" {
		if len(snap.Candidates) == 0 {
			return "", errors.New("no DeviceBridge host answered discovery")
		}
		var urls []string
		for _, c := range snap.Candidates {
			urls = append(urls, fmt.Sprintf("%s (%s)", c.BaseURL, c.DisplayName))
		}
		return "", fmt.Errorf("several hosts found, choose one with --host: %s", strings.Join(urls, ", "))
	}
	log.WithField("host", snap.SelectedBaseURL).Debug("host selected")
	return snap.SelectedBaseURL, nil
}

func issueQR(ctx context.Context, host *client.HostClient, rest []string) error {
	ticket, err := host.IssueQRToken(ctx)
	if err != nil {
		return err
	}
	if len(rest) > 0 && ticket.Image != nil {
		raw := strings.TrimPrefix(*ticket.Image, "data:image/png;base64,")
		png, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("decode qr image: %w", err)
		}
		if err := os.WriteFile(rest[0], png, 0o644); err != nil {
			return err
		}
	}
	return printJSON(ticket.QRPayload)
}

func pushToggles(ctx context.Context, host *client.HostClient, opts options, log logrus.FieldLogger) error {
	coordinator := client.NewCoordinator(host, client.CoordinatorOptions{Logger: log})
	defer coordinator.Close()

	done := make(chan session.Status, 1)
	coordinator.Push(client.Toggles{
		Camera:                opts.camera,
		Microphone:            opts.microphone,
		Speaker:               opts.speaker,
		CameraLens:            optional(opts.lens),
		CameraOrientationMode: optional(opts.orientation),
		CameraStreamURL:       optional(opts.streamURL),
		DeviceName:            optional(opts.deviceName),
		DeviceID:              optional(opts.deviceID),
	}, func(st session.Status) {
		done <- st
	}, func(err error) {
		fmt.Fprintln(os.Stderr, "push failed, retrying:", err)
	})

	select {
	case st := <-done:
		return printJSON(st)
	case <-ctx.Done():
		return fmt.Errorf("toggles not applied: %w", ctx.Err())
	}
}

const (
	watchHeartbeat = 45 * time.Second
	watchBackoff   = 2 * time.Second
)

// watch follows /api/events, reconnecting until the link needs a re-pair.
func watch(ctx context.Context, baseURL string, log logrus.FieldLogger) error {
	link := client.NewStateMachine(0, func(from, to client.State) {
		log.WithFields(logrus.Fields{"from": from, "to": to}).Info("link state changed")
	})
	link.PairStart()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/events"
	connected := false
	for {
		err := follow(ctx, url, func() {
			if !connected {
				link.PairSuccess()
				connected = true
			} else {
				link.ReconnectSuccess()
			}
		})
		if ctx.Err() != nil {
			return nil
		}

		if connected && link.State() == client.Connected {
			link.HeartbeatTimeout()
		} else if connected {
			link.ReconnectFailure()
		} else {
			return err
		}
		if link.State() == client.RequiresRepair {
			return errors.New("host unreachable, pair again")
		}
		log.WithError(err).Warn("event stream lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchBackoff):
		}
	}
}

func follow(ctx context.Context, url string, onOpen func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	onOpen()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(watchHeartbeat))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(watchHeartbeat))
		var env struct {
			Status session.Status `json:"status"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if err := printJSON(env.Status); err != nil {
			return err
		}
	}
}
