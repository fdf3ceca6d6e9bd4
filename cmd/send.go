package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"turnrelay/pkg/bus"
	"turnrelay/pkg/channel/turn"
	"turnrelay/pkg/config"
	"turnrelay/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	sendTo         string
	sendText       string
	sendImage      string
	sendDocument   string
	sendButtons    []string
	sendCustom     string
	sendClaim      string
	sendClaimToken string
	sendMessageID  string
)

// sendCmd delivers one reply through the Turn API without running the relay.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one reply through the Turn API",
	Long:  "Loads the Turn channel configuration and delivers a single text, media, buttons or custom reply to a WhatsApp user.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		reply, err := buildReply()
		if err != nil {
			fmt.Printf("invalid reply: %v\n", err)
			return
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)

		client, err := turn.NewClient(cfg.Channels.Turn, nil, slog.Default().With("component", "channel.turn.client"))
		if err != nil {
			fmt.Printf("failed to initialize turn client: %v\n", err)
			return
		}
		media := turn.NewMediaResolver(client, slog.Default().With("component", "channel.turn.media"))
		dispatcher := turn.NewDispatcher(client, media, slog.Default().With("component", "channel.turn.dispatcher"))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := dispatcher.ForMessage(sendClaimToken, sendMessageID).Send(ctx, sendTo, reply); err != nil {
			fmt.Printf("send failed (%s): %v\n", turn.CategoryFromError(err), err)
			return
		}

		fmt.Printf("reply sent to %s\n", sendTo)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient WhatsApp id")
	sendCmd.Flags().StringVar(&sendText, "text", "", "reply text, or caption for media")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "image URL to upload and send")
	sendCmd.Flags().StringVar(&sendDocument, "document", "", "document URL to upload and send")
	sendCmd.Flags().StringArrayVar(&sendButtons, "button", nil, "button title appended to the text (repeatable)")
	sendCmd.Flags().StringVar(&sendCustom, "custom", "", "raw Turn message JSON; the recipient is injected")
	sendCmd.Flags().StringVar(&sendClaim, "claim", "", "claim action: extend, release or revert")
	sendCmd.Flags().StringVar(&sendClaimToken, "claim-token", "", "conversation claim to extend or release")
	sendCmd.Flags().StringVar(&sendMessageID, "message-id", "", "inbound message id used for revert")
}

func buildReply() (bus.OutboundMessage, error) {
	if strings.TrimSpace(sendTo) == "" {
		return bus.OutboundMessage{}, errors.New("--to is required")
	}

	reply := bus.OutboundMessage{
		Text:     sendText,
		Image:    strings.TrimSpace(sendImage),
		Document: strings.TrimSpace(sendDocument),
	}

	for _, title := range sendButtons {
		reply.Buttons = append(reply.Buttons, bus.Button{Title: title})
	}

	if sendCustom != "" {
		if !json.Valid([]byte(sendCustom)) {
			return bus.OutboundMessage{}, errors.New("--custom must be valid JSON")
		}
		reply.Custom = json.RawMessage(sendCustom)
	}

	switch claim := bus.ClaimAction(strings.ToLower(strings.TrimSpace(sendClaim))); claim {
	case "", bus.ClaimExtend, bus.ClaimRelease, bus.ClaimRevert:
		reply.Claim = claim
	default:
		return bus.OutboundMessage{}, fmt.Errorf("unknown claim action %q", sendClaim)
	}

	return reply, nil
}
