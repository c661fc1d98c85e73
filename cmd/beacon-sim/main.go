package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"parkguide/go-proximity-server/internal/catalog"
	"parkguide/go-proximity-server/internal/model"
)

type lifecyclePayload struct {
	Event              string `json:"event"`
	PermissionsGranted *bool  `json:"permissions_granted,omitempty"`
}

type beaconPayload struct {
	UUID     string   `json:"uuid"`
	Major    *int     `json:"major,omitempty"`
	Minor    *int     `json:"minor,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
}

type rangingPayload struct {
	Beacons []beaconPayload `json:"beacons"`
}

type simOptions struct {
	broker          string
	deviceID        string
	catalogPath     string
	places          []string
	interval        time.Duration
	dwell           int
	jitter          float64
	dropRate        float64
	foreground      bool
	denyPermissions bool
	seed            int64
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &simOptions{}

	cmd := &cobra.Command{
		Use:   "beacon-sim",
		Short: "Simulate a visitor device walking past park beacons",
		Long: `beacon-sim connects to the proximity server's MQTT broker as a visitor device.
It reports a scan_start lifecycle event, then publishes ranging batches that
approach each selected place in turn, and prints the notifications it receives.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSim(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	flags.StringVar(&opts.deviceID, "device", "sim-device-1", "Device identifier used in topics")
	flags.StringVar(&opts.catalogPath, "catalog", "", "Place catalog YAML (defaults to the built-in park)")
	flags.StringSliceVar(&opts.places, "places", nil, "Place ids to visit in order (defaults to every point of interest)")
	flags.DurationVar(&opts.interval, "interval", time.Second, "Interval between ranging batches")
	flags.IntVar(&opts.dwell, "dwell", 5, "Batches spent near each place")
	flags.Float64Var(&opts.jitter, "jitter", 0.5, "Maximum random jitter applied to distances, in meters")
	flags.Float64Var(&opts.dropRate, "drop-rate", 0.1, "Probability that a beacon is reported without a distance")
	flags.BoolVar(&opts.foreground, "foreground", false, "Report the app as foreground after starting")
	flags.BoolVar(&opts.denyPermissions, "deny-permissions", false, "Report denied location permissions on scan_start")
	flags.Int64Var(&opts.seed, "seed", 0, "Random seed (0 uses the current time)")

	cmd.AddCommand(listCmd())
	return cmd
}

func listCmd() *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the places beacon-sim can visit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(catalogPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range cat.POIs() {
				minor := "-"
				if p.Beacon.Minor != nil {
					minor = fmt.Sprint(*p.Beacon.Minor)
				}
				fmt.Fprintf(out, "%-22s minor=%-3s trigger=%.1fm  %s\n", p.ID, minor, p.Beacon.TriggerDistance, p.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Place catalog YAML (defaults to the built-in park)")
	return cmd
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(catalog.KeyByMinor)
	}
	return catalog.LoadFile(path, catalog.KeyByMinor)
}

// selectPlaces resolves ids against the catalog, keeping the requested order.
func selectPlaces(cat *catalog.Catalog, ids []string) ([]model.POI, error) {
	if len(ids) == 0 {
		pois := cat.POIs()
		if len(pois) == 0 {
			return nil, fmt.Errorf("catalog has no points of interest")
		}
		return pois, nil
	}

	places := make([]model.POI, 0, len(ids))
	for _, id := range ids {
		p, ok := cat.Place(strings.TrimSpace(id))
		if !ok {
			return nil, fmt.Errorf("unknown place %q", id)
		}
		if p.Beacon.Minor == nil {
			return nil, fmt.Errorf("place %q has no beacon minor", id)
		}
		places = append(places, p)
	}
	return places, nil
}

func runSim(ctx context.Context, opts *simOptions) error {
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if opts.dwell <= 0 {
		return fmt.Errorf("dwell must be positive")
	}

	cat, err := loadCatalog(opts.catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	places, err := selectPlaces(cat, opts.places)
	if err != nil {
		return err
	}

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	clientID := fmt.Sprintf("%s-simulator-%d", opts.deviceID, time.Now().UnixNano())
	mqttOpts := mqtt.NewClientOptions().AddBroker(opts.broker).SetClientID(clientID)
	mqttOpts = mqttOpts.SetOrderMatters(false)

	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker: %w", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", opts.broker, clientID)

	notifications := deviceTopic(opts.deviceID, "notifications")
	token := client.Subscribe(notifications, 1, func(_ mqtt.Client, msg mqtt.Message) {
		log.Printf("notification: %s", msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("subscribe %s: %w", notifications, token.Error())
	}

	publish := func(kind string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
		topic := deviceTopic(opts.deviceID, kind)
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	}

	start := lifecyclePayload{Event: "scan_start"}
	if opts.denyPermissions {
		denied := false
		start.PermissionsGranted = &denied
	}
	if err := publish("lifecycle", start); err != nil {
		client.Disconnect(250)
		return err
	}
	if opts.foreground {
		if err := publish("lifecycle", lifecyclePayload{Event: "foreground"}); err != nil {
			log.Printf("%v", err)
		}
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	tick := 0
	send := func() {
		target := (tick / opts.dwell) % len(places)
		batch := buildBatch(rng, places, target, opts.jitter, opts.dropRate)
		if err := publish("ranging", rangingPayload{Beacons: batch}); err != nil {
			log.Printf("%v", err)
			return
		}
		log.Printf("published %d beacons near %s", len(batch), places[target].ID)
		tick++
	}

	send()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			if err := publish("lifecycle", lifecyclePayload{Event: "scan_stop"}); err != nil {
				log.Printf("%v", err)
			}
			client.Disconnect(250)
			return nil
		case <-ticker.C:
			send()
		}
	}
}

func deviceTopic(deviceID, kind string) string {
	return fmt.Sprintf("devices/%s/%s", deviceID, kind)
}

// buildBatch reports every place's beacon with the target close by and the rest
// further away. The target beacon is also echoed once without a distance, the way
// platform ranging occasionally duplicates a beacon it lost track of.
func buildBatch(rng *rand.Rand, places []model.POI, target int, jitter, dropRate float64) []beaconPayload {
	batch := make([]beaconPayload, 0, len(places)+1)
	for i, p := range places {
		reading := beaconPayload{
			UUID:  p.Beacon.UUID,
			Major: p.Beacon.Major,
			Minor: p.Beacon.Minor,
		}

		var d float64
		if i == target {
			d = p.Beacon.TriggerDistance*0.5 + randomJitter(rng, jitter)
		} else {
			d = p.Beacon.TriggerDistance*3 + rng.Float64()*10 + randomJitter(rng, jitter)
		}
		if d < 0.1 {
			d = 0.1
		}
		if i == target || rng.Float64() >= dropRate {
			reading.Distance = &d
		}
		batch = append(batch, reading)

		if i == target {
			batch = append(batch, beaconPayload{UUID: p.Beacon.UUID, Major: p.Beacon.Major, Minor: p.Beacon.Minor})
		}
	}

	rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	return batch
}

func randomJitter(rng *rand.Rand, jitter float64) float64 {
	if jitter <= 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * jitter
}
