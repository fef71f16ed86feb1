package commands

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/backkem/trustagent/pkg/companion"
	"github.com/backkem/trustagent/pkg/crypto"
	"github.com/backkem/trustagent/pkg/transport"
	"github.com/backkem/trustagent/pkg/trust"
)

const tokenSize = 32

func enrollCmd() *cobra.Command {
	var (
		tokenHex string
		yes      bool
	)
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll with an agent in enrollment mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := escrowToken(tokenHex)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			central, target, err := dial(ctx, trust.DefaultEnrollmentService.Service)
			if err != nil {
				return err
			}
			client, err := newClient(central)
			if err != nil {
				return err
			}

			enr, err := client.Enroll(ctx, token, confirmer(yes))
			if err != nil {
				return err
			}
			rec, err := state.SaveEnrollment(enr, target)
			if err != nil {
				return fmt.Errorf("save enrollment: %w", err)
			}
			fmt.Printf("Enrolled with agent %s (handle %d)\n", rec.AgentID, rec.Handle)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenHex, "token", "", "escrow token as hex (default: random)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept the verification code without prompting")
	return cmd
}

func escrowToken(s string) ([]byte, error) {
	if s == "" {
		return crypto.RandomBytes(tokenSize)
	}
	token, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("--token: %w", err)
	}
	if len(token) == 0 {
		return nil, fmt.Errorf("--token: empty")
	}
	return token, nil
}

func confirmer(yes bool) companion.ConfirmFunc {
	return func(code string) bool {
		fmt.Printf("Verification code: %s\n", code)
		if yes {
			return true
		}
		fmt.Print("Does the agent show the same code? [y/N] ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

// dial returns a central for --addr, or for the first agent advertising
// service on the local network.
func dial(ctx context.Context, service uuid.UUID) (transport.Central, string, error) {
	target := addr
	if target == "" {
		resolver, err := transport.NewZeroconfResolver()
		if err != nil {
			return nil, "", err
		}
		svc, err := transport.Browse(ctx, resolver, service)
		if err != nil {
			return nil, "", err
		}
		target = svc.Addr
	}
	return transport.NewStreamCentral(transport.StreamCentralConfig{
		Addr:          target,
		LoggerFactory: loggers,
	}), target, nil
}

func newClient(central transport.Central) (*companion.Client, error) {
	return companion.NewClient(companion.Config{
		Central:       central,
		DeviceID:      state.DeviceID(),
		KeyStore:      state.KeyStore(),
		LoggerFactory: loggers,
	})
}
