// Command probe connects to a running hub, joins the dashboard and optional
// device channels, prints every envelope it receives and ends with a summary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/json"
	"github.com/spf13/cobra"
)

type options struct {
	url      string
	devices  []string
	duration time.Duration
	testData bool
	simulate bool
	quiet    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Watch the realtime hub from a dashboard connection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return probe(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://localhost:3001/ws/probe", "hub websocket url")
	f.StringSliceVar(&opts.devices, "device", nil, "device channels to join, repeatable")
	f.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to listen")
	f.BoolVar(&opts.testData, "test-data", false, "request a test reading after joining")
	f.BoolVar(&opts.simulate, "start", false, "start the simulation after joining")
	f.BoolVar(&opts.quiet, "quiet", false, "only print the summary")
	return cmd
}

func send(conn *websocket.Conn, intent string, payload any) error {
	frame, err := json.Marshal(map[string]any{"type": intent, "payload": payload})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func probe(ctx context.Context, opts options) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer conn.Close()
	color.New(color.FgHiGreen, color.Bold).Printf("connected to %s\n", opts.url)

	if err := send(conn, "join-dashboard", nil); err != nil {
		return err
	}
	for _, id := range opts.devices {
		if err := send(conn, "join-device", id); err != nil {
			return err
		}
	}
	if opts.simulate {
		if err := send(conn, "start-simulation", nil); err != nil {
			return err
		}
	}
	if opts.testData {
		if err := send(conn, "request-test-data", nil); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	t := newTally()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		raw, err := event.Decode(frame)
		if err != nil {
			color.New(color.FgHiRed).Printf("undecodable frame: %s\n", json.Truncate(frame, 120))
			continue
		}
		t.add(raw)
		if !opts.quiet {
			printEnvelope(raw)
		}
	}
	return t.render(os.Stdout)
}

func printEnvelope(raw event.Raw) {
	stamp := color.New(color.FgHiBlack).Sprint(raw.Timestamp.Local().Format("15:04:05.000"))
	kind := colorFor(raw.Type).Sprint(string(raw.Type))
	fmt.Printf("%s %s %s\n", stamp, kind, json.Truncate(raw.Data, 160))
}

func colorFor(t event.Type) *color.Color {
	switch t {
	case event.TypeSensorDataUpdate, event.TypeTestSensorData:
		return color.New(color.FgHiBlue, color.Bold)
	case event.TypeDeviceStatusChange, event.TypeDeviceStatusUpdate, event.TypeDeviceStatusResponse:
		return color.New(color.FgHiYellow, color.Bold)
	case event.TypeDeviceCommandError, event.TypeAlertUpdate, event.TypeFirmwareUpdateCancelled:
		return color.New(color.FgHiRed, color.Bold)
	case event.TypeSystemStatus, event.TypeDashboardInit, event.TypePong:
		return color.New(color.FgHiGreen)
	default:
		return color.New(color.FgHiMagenta, color.Bold)
	}
}
