package main

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/spf13/cobra"
)

func newStreamCommand() *cobra.Command {
	var (
		relayURL   string
		callID     string
		agentID    string
		voiceID    string
		frames     int
		frameBytes int
		interval   time.Duration
		hold       time.Duration
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Place a simulated call against the relay media stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if frames < 0 || frameBytes <= 0 {
				return fmt.Errorf("frames must not be negative and frame bytes must be positive")
			}
			if _, err := url.Parse(relayURL); err != nil {
				return fmt.Errorf("invalid relay url: %w", err)
			}
			if callID == "" {
				callID = shared.NewID("CA")
			}

			params := map[string]string{}
			if agentID != "" {
				params[transport.ParamAgentID] = agentID
			}
			if voiceID != "" {
				params[transport.ParamVoiceID] = voiceID
			}

			sum, err := runCall(cmd.Context(), callOptions{
				URL:          relayURL,
				CallID:       callID,
				StreamSID:    shared.NewID("MZ"),
				Params:       params,
				Frames:       frames,
				FrameBytes:   frameBytes,
				Interval:     interval,
				Hold:         hold,
				CloseTimeout: timeout,
			})
			if sum != nil {
				printSummary(cmd.OutOrStdout(), sum)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&relayURL, "url", "ws://localhost:8080/v1/telephony/stream", "Relay media stream URL")
	cmd.Flags().StringVar(&callID, "call-id", "", "Call id to announce (generated when empty)")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id passed as a custom parameter")
	cmd.Flags().StringVar(&voiceID, "voice", "", "Voice id passed as a custom parameter")
	cmd.Flags().IntVar(&frames, "frames", 50, "Number of caller audio frames to send")
	cmd.Flags().IntVar(&frameBytes, "frame-bytes", 160, "Bytes of mu-law audio per frame")
	cmd.Flags().DurationVar(&interval, "interval", 20*time.Millisecond, "Delay between caller frames")
	cmd.Flags().DurationVar(&hold, "hold", 3*time.Second, "Time to keep listening after the last frame before hanging up")
	cmd.Flags().DurationVar(&timeout, "close-timeout", 10*time.Second, "Time to wait for the relay to close after stop")

	return cmd
}

func printSummary(w io.Writer, sum *summary) {
	fmt.Fprintf(w, "call      %s (%s)\n", sum.CallID, sum.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "sent      %d frames, %d bytes\n", sum.FramesSent, sum.BytesSent)
	fmt.Fprintf(w, "received  %d audio chunks, %d bytes\n", sum.AudioChunks, sum.AudioBytes)
	fmt.Fprintf(w, "marks     %d acknowledged\n", sum.Marks)
	if sum.Clears > 0 {
		fmt.Fprintf(w, "clears    %d\n", sum.Clears)
	}
	if sum.CloseCode != 0 {
		fmt.Fprintf(w, "closed    %d %s\n", sum.CloseCode, sum.CloseText)
	}
}
