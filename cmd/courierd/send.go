package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/courier"
	"github.com/spf13/cobra"
)

var (
	sendTargets    []string
	sendTimeout    time.Duration
	sendUnreliable bool
)

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <message>",
	Short: "Send a message from an ephemeral node",
	Long: `Start an ephemeral node, wait until the destination peer is discovered,
send it the message then exit. Use --target to announce the ephemeral node
to a peer, or a gossip configuration to join a cluster.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid peer id: %w", err)
		}

		opts, err := nodeOptions()
		if err != nil {
			return err
		}
		opts = append(opts,
			courier.WithAnnounceTargets(sendTargets...),
			courier.WithAnnounceInterval(500*time.Millisecond),
		)

		node, err := courier.Create(opts...)
		if err != nil {
			return err
		}
		defer node.Shutdown()

		if err := node.JoinCluster(); err != nil && !errors.Is(err, courier.ErrNoGossip) {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()
		if _, err := node.WaitForDiscovery(ctx, dest); err != nil {
			return fmt.Errorf("peer %s not discovered: %w", dest, err)
		}

		payload := []byte(args[1])
		if sendUnreliable {
			err = node.SendUnreliable(dest, payload)
		} else {
			err = node.SendReliable(ctx, dest, payload)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes to %s\n", len(payload), dest)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringSliceVar(&sendTargets, "target", nil, "host:port of a peer to announce to, may be repeated")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "maximum time to discover the peer and deliver the message")
	sendCmd.Flags().BoolVar(&sendUnreliable, "unreliable", false, "do not wait for an acknowledgement")
	rootCmd.AddCommand(sendCmd)
}
