// meshcall is a headless client for a mesh video room: it joins with a
// synthetic capture device, mirrors roster and chat activity to stdout, and
// exercises the full negotiation path against the signaling relay.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/room"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

var (
	flagServer string
	flagRoom   string
	flagName   string
	flagSTUN   []string
)

func main() {
	logging.Init()

	rootCmd := &cobra.Command{
		Use:   "meshcall",
		Short: "Join a mesh video room from the terminal",
		RunE:  runCall,
	}

	rootCmd.Flags().StringVar(&flagServer, "server", "", "signaling relay WebSocket URL (default from SERVER_URL)")
	rootCmd.Flags().StringVar(&flagRoom, "room", "", "room ID or code to join")
	rootCmd.Flags().StringVar(&flagName, "name", "", "display name")
	rootCmd.Flags().StringSliceVar(&flagSTUN, "stun", nil, "STUN server URLs (default from STUN_SERVERS)")
	rootCmd.MarkFlagRequired("room")
	rootCmd.MarkFlagRequired("name")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg := config.Load().Client
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if len(flagSTUN) > 0 {
		cfg.STUNServers = flagSTUN
	}

	user := models.User{ID: uuid.New().String(), Name: flagName}

	source := media.NewSource(media.NewSyntheticCapture(), media.Constraints{
		Width:  cfg.VideoWidth,
		Height: cfg.VideoHeight,
	})
	channel := signaling.NewChannel(cfg.ServerURL)
	session := room.New(cfg, channel, source, nil)

	fmt.Printf("joining room %s as %s...\n", flagRoom, user.Name)
	if err := session.Join(cmd.Context(), flagRoom, user); err != nil {
		if cause, ok := media.Unavailable(err); ok {
			return fmt.Errorf("media unavailable (%s): %w", cause, err)
		}
		return err
	}
	defer session.Leave()

	fmt.Println("joined; press Ctrl-C to leave")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case notice := <-session.Events():
			printNotice(notice)
		case <-sigCh:
			fmt.Println("leaving room")
			session.Leave()
			return nil
		case <-session.Done():
			return nil
		}
	}
}

func printNotice(n room.Notice) {
	switch n.Kind {
	case room.NoticeParticipants:
		names := make([]string, 0, len(n.Participants))
		for _, p := range n.Participants {
			label := p.Name
			if p.Local {
				label += " (you)"
			}
			names = append(names, label)
		}
		fmt.Printf("participants: %s\n", strings.Join(names, ", "))

	case room.NoticeChat:
		fmt.Printf("[%s] %s: %s\n", n.Chat.Timestamp.Format("15:04:05"), n.Chat.SenderName, n.Chat.Text)

	case room.NoticeConnectivity:
		fmt.Printf("signaling: %s\n", n.Connectivity)

	case room.NoticePeerUnreachable:
		fmt.Printf("peer %s became unreachable: %v\n", n.PeerID, n.Err)

	case room.NoticeMediaUnavailable:
		if cause, ok := media.Unavailable(n.Err); ok {
			fmt.Printf("media unavailable (%s): %v\n", cause, n.Err)
		} else {
			fmt.Printf("media unavailable: %v\n", n.Err)
		}
	}
}
