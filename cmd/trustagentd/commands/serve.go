package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/backkem/trustagent/pkg/authz"
	"github.com/backkem/trustagent/pkg/config"
	"github.com/backkem/trustagent/pkg/transport"
	"github.com/backkem/trustagent/pkg/trust"
)

func serveCmd() *cobra.Command {
	var (
		enrollUser int
		autoAccept bool
		noUnlock   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent until interrupted",
		Long: "Run the agent. With --enroll the agent first accepts one enrollment for the\n" +
			"given user and then switches to unlock mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			enroll := cmd.Flags().Changed("enroll")
			if enroll && enrollUser < 0 {
				return fmt.Errorf("--enroll: invalid user %d", enrollUser)
			}
			if !enroll && noUnlock {
				return fmt.Errorf("nothing to do: --no-unlock requires --enroll")
			}
			return serve(cmd.Context(), serveOptions{
				enroll:     enroll,
				enrollUser: enrollUser,
				autoAccept: autoAccept,
				unlock:     !noUnlock,
			})
		},
	}
	cmd.Flags().IntVar(&enrollUser, "enroll", 0, "accept one enrollment for this user id")
	cmd.Flags().BoolVarP(&autoAccept, "yes", "y", false, "accept the verification code without prompting")
	cmd.Flags().BoolVar(&noUnlock, "no-unlock", false, "do not advertise for unlock")
	return cmd
}

type serveOptions struct {
	enroll     bool
	enrollUser int
	autoAccept bool
	unlock     bool
}

func serve(parent context.Context, opts serveOptions) error {
	log := loggers.NewLogger("trustagentd")

	ks, db, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer db.Close()

	id, err := agentID(cfg)
	if err != nil {
		return fmt.Errorf("agent id: %w", err)
	}

	peripheral, err := newPeripheral(cfg)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	defer peripheral.Close()

	delegate := authz.NewMemoryDelegate(authz.MemoryConfig{
		ActivationDelay: cfg.ActivationDelay(),
		LoggerFactory:   loggers,
	})

	agent, err := trust.NewAgent(trust.Config{
		Peripheral:    peripheral,
		KeyStore:      ks,
		Delegate:      delegate,
		LocalID:       id,
		Params:        cfg.Params(),
		LoggerFactory: loggers,
	})
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Close()

	loader.OnChange(func(c *config.Config) {
		if err := loggers.Apply(c.Logging); err != nil {
			log.Warnf("Ignoring logging configuration: %v", err)
			return
		}
		log.Infof("Configuration reloaded, log level %s", c.Logging.Level)
	})
	if err := loader.Watch(); err != nil {
		log.Warnf("Config hot reload disabled: %v", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enrolled := make(chan struct{}, 1)
	agent.RegisterEnrollmentListener(trust.EnrollmentListenerFuncs{
		VerificationCode: func(deviceID []byte, code string) {
			fmt.Printf("Verification code for %s: %s\n", trust.FormatDeviceID(deviceID), code)
			if opts.autoAccept {
				agent.AcceptVerification()
				return
			}
			go promptAccept(ctx, agent)
		},
		Complete: func(deviceID []byte, handle uint64, userID int) {
			fmt.Printf("Enrolled %s for user %d (handle %d)\n", trust.FormatDeviceID(deviceID), userID, handle)
			select {
			case enrolled <- struct{}{}:
			default:
			}
		},
		Failed: func(err error) {
			fmt.Printf("Enrollment failed: %v\n", err)
		},
	})
	agent.RegisterUnlockListener(trust.UnlockListenerFuncs{
		Complete: func(deviceID []byte, userID int, handle uint64) {
			fmt.Printf("Unlocked user %d with %s (handle %d)\n", userID, trust.FormatDeviceID(deviceID), handle)
		},
		Failed: func(err error) {
			fmt.Printf("Unlock failed: %v\n", err)
		},
	})

	if opts.enroll {
		err = agent.StartEnrollment(opts.enrollUser)
	} else {
		err = agent.StartUnlock()
	}
	if err != nil {
		return err
	}
	printAgentInfo(id, peripheral, agent)

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			return nil
		case err := <-loader.Errors():
			log.Warnf("Config reload failed: %v", err)
		case <-enrolled:
			if err := agent.StopEnrollment(); err != nil {
				return err
			}
			if !opts.unlock {
				return nil
			}
			if err := agent.StartUnlock(); err != nil {
				return err
			}
			printAgentInfo(id, peripheral, agent)
		}
	}
}

var stdin = bufio.NewReader(os.Stdin)

func promptAccept(ctx context.Context, agent *trust.Agent) {
	fmt.Print("Does the companion show the same code? [y/N] ")
	answer := make(chan string, 1)
	go func() {
		line, _ := stdin.ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()
	select {
	case a := <-answer:
		if a == "y" || a == "yes" {
			agent.AcceptVerification()
		}
	case <-ctx.Done():
	}
}

func printAgentInfo(id []byte, peripheral transport.Peripheral, agent *trust.Agent) {
	status, _ := agent.Status()

	fmt.Println("\n========================================")
	fmt.Println("          Trust Agent Ready")
	fmt.Println("========================================")
	fmt.Printf("Agent ID:   %s\n", trust.FormatDeviceID(id))
	fmt.Printf("Mode:       %s\n", status.Mode)
	fmt.Printf("Transport:  %s\n", cfg.Transport.Kind)
	if adv, ok := peripheral.(*transport.Advertiser); ok {
		fmt.Printf("Listening:  %s\n", adv.Peripheral().Addr())
	} else {
		fmt.Printf("Adapter:    %s\n", cfg.Transport.Adapter)
	}
	fmt.Println("========================================")
}
