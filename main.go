package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"aircontrolbase2mqtt/acb"
	"aircontrolbase2mqtt/climate"
	"aircontrolbase2mqtt/coordinator"
	"aircontrolbase2mqtt/metrics"
	"aircontrolbase2mqtt/mqtt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// setup outcomes, as reported to the user
const (
	errInvalidAuth   = "invalid_auth"
	errCannotConnect = "cannot_connect"
)

// accountFetcher logs in on demand before reading devices
type accountFetcher struct {
	*acb.Client
}

func (f accountFetcher) Devices(ctx context.Context) ([]acb.Device, error) {
	if err := f.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}
	return f.Client.Devices(ctx)
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "aircontrolbase2mqtt",
		Short:         "Bridge AirControlBase air conditioners to Home Assistant over MQTT",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), config)
		},
	}
	f.register(root)

	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Validate AirControlBase credentials and store them in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.load(cmd)
			if err != nil {
				return err
			}
			if err := prompt(cmd.InOrStdin(), cmd.OutOrStdout(), config); err != nil {
				return err
			}
			title, err := setup(cmd.Context(), config, f.configFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configured %s in %s\n", title, f.configFile)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List the devices of the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.load(cmd)
			if err != nil {
				return err
			}
			if err := config.Validate(); err != nil {
				return err
			}
			client, err := acb.New(config.ClientConfig())
			if err != nil {
				return err
			}
			devices, err := accountFetcher{client}.Devices(cmd.Context())
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	})
	return root
}

// prompt asks for the credentials missing from config
func prompt(in io.Reader, out io.Writer, config *Config) error {
	reader := bufio.NewReader(in)
	ask := func(label string, value *string) error {
		if *value != "" {
			return nil
		}
		fmt.Fprintf(out, "%s: ", label)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return fmt.Errorf("cannot read %s: %w", strings.ToLower(label), err)
		}
		*value = strings.TrimSpace(line)
		return nil
	}
	if err := ask("Email", &config.Account.Email); err != nil {
		return err
	}
	return ask("Password", &config.Account.Password)
}

// SetupError is a failed setup, Reason being invalid_auth or cannot_connect
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupReason(err error) string {
	var apiErr *acb.APIError
	if errors.As(err, &apiErr) || errors.Is(err, acb.ErrNoUserID) || errors.Is(err, acb.ErrUnauthorized) {
		return errInvalidAuth
	}
	return errCannotConnect
}

// setup logs in with the configured credentials and, if accepted, saves the
// configuration to path. It returns the title of the account.
func setup(ctx context.Context, config *Config, path string) (string, error) {
	if config.Account.Email == "" || config.Account.Password == "" {
		return "", &SetupError{Reason: errInvalidAuth, Err: errMissingCredentials}
	}
	client, err := acb.New(config.ClientConfig())
	if err != nil {
		return "", err
	}
	if err := client.Login(ctx); err != nil {
		return "", &SetupError{Reason: setupReason(err), Err: err}
	}
	if err := config.Save(path); err != nil {
		return "", fmt.Errorf("cannot save config: %w", err)
	}
	return config.Account.Email, nil
}

func printDevices(out io.Writer, devices []acb.Device) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPOWER\tMODE\tSET\tCURRENT\tWIND\tSWING")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%g\t%s\t%s\n", d.ID, d.Name, d.Power, d.Mode, d.SetTemp, d.FactTemp, d.Wind, d.Swing)
	}
	w.Flush()
}

func run(ctx context.Context, config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	observer := metrics.NewRequestObserver()
	clientConfig := config.ClientConfig()
	clientConfig.Observer = observer
	client, err := acb.New(clientConfig)
	if err != nil {
		return err
	}

	c := coordinator.New(&coordinator.Config{
		Fetcher:      accountFetcher{client},
		Interval:     time.Duration(config.Poll.IntervalSeconds) * time.Second,
		RefreshDelay: time.Duration(config.Poll.RefreshDelaySeconds) * time.Second,
	})
	registry.MustRegister(observer, metrics.NewCollector(c))

	if err := c.FirstRefresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	availabilityTopic := climate.AvailabilityTopic(config.MQTT.Prefix, config.MQTT.NodeName)
	mqttClient := mqtt.New(&mqtt.Config{
		Server:      config.MQTT.Server,
		ClientID:    config.MQTT.ClientID,
		Username:    config.MQTT.Username,
		Password:    config.MQTT.Password,
		WillTopic:   availabilityTopic,
		WillPayload: climate.AVAILABILITY_OFFLINE,
	})
	defer mqttClient.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(ctx)
	})
	if config.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, config.Metrics.Listen, registry)
		})
	}
	g.Go(func() error {
		// a new MQTT session gets a fresh bridge, republishing discovery and state
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		var sessionID int
		for {
			select {
			case <-ctx.Done():
				if err := mqttClient.Publish(availabilityTopic, 0, true, climate.AVAILABILITY_OFFLINE); err != nil {
					log.Printf("Cannot publish availability: %s", err)
				}
				return nil
			case <-ticker.C:
			}
			newSessionID := mqttClient.ID()
			if newSessionID == 0 || sessionID == newSessionID {
				continue
			}
			bridge := climate.NewBridge(&climate.Config{
				NodeName:    config.MQTT.NodeName,
				Mqtt:        mqttClient,
				Controller:  client,
				Coordinator: c,
				TopicPrefix: config.MQTT.Prefix,
				HassPrefix:  config.MQTT.HassPrefix,
				TempSamples: config.Poll.TempSamples,
			})
			if err := bridge.Start(ctx); err != nil {
				log.Printf("Error starting bridge: %s", err)
				continue
			}
			sessionID = newSessionID
		}
	})
	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}
