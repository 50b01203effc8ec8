package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"meshcall/internal/call"
	"meshcall/internal/config"
	"meshcall/internal/media"
	"meshcall/internal/peer"
	"meshcall/internal/signaling"
	"meshcall/internal/status"
)

var joinFlags struct {
	server    string
	room      string
	id        string
	logFormat string
	logLevel  string
	muted     bool
	cameraOff bool
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay in the call until hangup or interrupt",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context())
	},
}

func init() {
	defaults := config.ClientDefaults()
	joinCmd.Flags().StringVar(&joinFlags.server, "server", defaults.ServerURL, "relay websocket base URL")
	joinCmd.Flags().StringVar(&joinFlags.room, "room", defaults.Room, "room to join")
	joinCmd.Flags().StringVar(&joinFlags.id, "id", defaults.LocalID, "participant id (generated when empty)")
	joinCmd.Flags().StringVar(&joinFlags.logFormat, "log-format", defaults.LogFormat, "log format: text or json")
	joinCmd.Flags().StringVar(&joinFlags.logLevel, "log-level", config.LogLevelNameFromEnv(), "log level: debug, info, warn, error")
	joinCmd.Flags().BoolVar(&joinFlags.muted, "muted", false, "start with the microphone muted")
	joinCmd.Flags().BoolVar(&joinFlags.cameraOff, "camera-off", false, "start with the camera off")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(ctx context.Context) error {
	cfg, err := config.NewClient(joinFlags.server, joinFlags.room, joinFlags.id, joinFlags.logFormat, joinFlags.logLevel)
	if err != nil {
		return err
	}
	if cfg.Room == "" {
		return fmt.Errorf("a room is required (--room or %s)", "MESHCALL_ROOM")
	}
	if strings.Contains(cfg.Room, "_") {
		return fmt.Errorf("room %q may not contain underscores", cfg.Room)
	}
	if cfg.LocalID == "" {
		cfg.LocalID = uuid.NewString()
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	src, err := media.NewSynthetic()
	if err != nil {
		if errors.Is(err, media.ErrUnavailable) {
			return fmt.Errorf("media capture unavailable, cannot join: %w", err)
		}
		return err
	}
	defer src.Close()
	src.SetMuted(joinFlags.muted)
	src.SetCameraOff(joinFlags.cameraOff)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL := cfg.ServerURL + "/ws/" + cfg.Room + "_" + cfg.LocalID
	client, err := signaling.Dial(ctx, wsURL, logger)
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}

	api, err := peer.NewAPI(logger)
	if err != nil {
		return err
	}

	orch, err := call.New(call.Config{
		RoomID:      cfg.Room,
		LocalID:     cfg.LocalID,
		Transport:   client,
		NewProvider: peer.NewPionFactory(api, cfg.ICEServers),
		LocalTracks: src.Tracks(),
		Observer:    &consoleObserver{log: logger},
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if joinFlags.muted || joinFlags.cameraOff {
		orch.SetLocalStatus(status.Update{
			Muted:     &joinFlags.muted,
			CameraOff: &joinFlags.cameraOff,
		})
	}

	go controlLoop(os.Stdin, orch, src, logger)

	logger.Info("joined call", "room", cfg.Room, "id", cfg.LocalID, "server", cfg.ServerURL)
	err = orch.Run(ctx, client.Incoming())
	if errors.Is(err, call.ErrTransportLost) {
		return fmt.Errorf("lost connection to the relay; rejoin to continue")
	}
	return err
}

// controlLoop reads commands from r until EOF: mute, unmute, camera on,
// camera off, hangup.
func controlLoop(r io.Reader, orch *call.Orchestrator, src *media.Synthetic, log *slog.Logger) {
	boolPtr := func(v bool) *bool { return &v }

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
		case "mute":
			src.SetMuted(true)
			orch.SetLocalStatus(status.Update{Muted: boolPtr(true)})
		case "unmute":
			src.SetMuted(false)
			orch.SetLocalStatus(status.Update{Muted: boolPtr(false)})
		case "camera off":
			src.SetCameraOff(true)
			orch.SetLocalStatus(status.Update{CameraOff: boolPtr(true)})
		case "camera on":
			src.SetCameraOff(false)
			orch.SetLocalStatus(status.Update{CameraOff: boolPtr(false)})
		case "hangup", "quit", "exit":
			orch.Hangup()
			return
		default:
			log.Warn("unknown command", "command", scanner.Text())
		}
	}
}

// consoleObserver narrates call events on the log. Callbacks arrive on the
// orchestrator's dispatch goroutine and must return quickly.
type consoleObserver struct {
	log *slog.Logger
}

func (c *consoleObserver) PeerAdded(peerID string) {
	c.log.Info("participant joined", "peer", peerID)
}

func (c *consoleObserver) PeerRemoved(peerID string) {
	c.log.Info("participant left", "peer", peerID)
}

func (c *consoleObserver) CallEnded(peerID string) {
	c.log.Info("participant ended the call", "peer", peerID)
}

func (c *consoleObserver) StatusChanged(peerID string, st status.Status) {
	c.log.Info("participant status", "peer", peerID, "muted", st.Muted, "camera_off", st.CameraOff)
}

func (c *consoleObserver) TrackReceived(peerID string, track *webrtc.TrackRemote) {
	c.log.Info("receiving media", "peer", peerID, "kind", track.Kind().String(), "mime", track.Codec().MimeType)
}

func (c *consoleObserver) Disconnected() {
	c.log.Warn("signaling connection lost")
}
