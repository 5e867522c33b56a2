// ldlsim drives the MAC stack end to end against a simulated radio
// and a minimal in-process network server: join, a few uplinks, the
// downlinks the server answers with, all on a virtual clock.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ellenhale/lorawan-mac/band"
	"github.com/ellenhale/lorawan-mac/lorawan"
	"github.com/ellenhale/lorawan-mac/mac"
	"github.com/ellenhale/lorawan-mac/sm"
)

type config struct {
	Region  string `yaml:"region"`
	DevEUI  string `yaml:"dev_eui"`
	JoinEUI string `yaml:"join_eui"`
	AppKey  string `yaml:"app_key"`

	Uplinks   int    `yaml:"uplinks"`
	Confirmed bool   `yaml:"confirmed"`
	LogLevel  string `yaml:"log_level"`
}

func defaultConfig() config {
	return config{
		Region:   string(band.EU868),
		DevEUI:   "0102030405060708",
		JoinEUI:  "1112131415161718",
		AppKey:   "00000000000000000000000000000000",
		Uplinks:  3,
		LogLevel: "info",
	}
}

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "ldlsim",
		Short: "LoRaWAN end-device MAC simulator",
		Long:  "Exercises the MAC stack against a simulated radio and network server on a virtual clock.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Join and send uplinks against the simulated network",
		RunE:  runSim,
	}
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config, error) {
	cfg := defaultConfig()
	if configFile == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseEUI(s string) (lorawan.EUI64, error) {
	var eui lorawan.EUI64
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return eui, fmt.Errorf("expected 8 hex bytes, got %q", s)
	}
	copy(eui[:], b)
	return eui, nil
}

func parseKey(s string) ([16]byte, error) {
	var key [16]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return key, fmt.Errorf("expected 16 hex bytes, got %q", s)
	}
	copy(key[:], b)
	return key, nil
}

// simHandler reacts to MAC events: it counts completions and queues
// the next uplink once the previous one settles.
type simHandler struct {
	log      *logrus.Entry
	joined   bool
	complete int
}

func (h *simHandler) HandleEvent(ev mac.Event) {
	switch e := ev.(type) {
	case mac.EventJoinComplete:
		h.log.WithFields(logrus.Fields{
			"devAddr": e.DevAddr,
			"netID":   e.NetID,
		}).Info("joined")
		h.joined = true
	case mac.EventDevNonceUpdated:
		h.log.WithField("next", e.NextDevNonce).Debug("dev nonce updated")
	case mac.EventDataComplete:
		h.log.Info("data complete")
		h.complete++
	case mac.EventDataTimeout:
		h.log.Warn("data timeout")
		h.complete++
	case mac.EventRx:
		h.log.WithFields(logrus.Fields{
			"port": e.Port,
			"size": len(e.Data),
		}).Info("downlink payload")
	case mac.EventLinkStatus:
		h.log.WithFields(logrus.Fields{
			"margin":  e.Margin,
			"gwCount": e.GwCount,
		}).Info("link status")
	case mac.EventJoinExhausted:
		h.log.Error("dev nonce space exhausted")
	case mac.EventOpError:
		h.log.Error("radio fault")
	case mac.EventSessionUpdated:
		h.log.WithField("fcntUp", e.Session.FCntUp).Debug("session updated")
	}
}

func runSim(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	log := logrus.NewEntry(logrus.StandardLogger())

	devEUI, err := parseEUI(cfg.DevEUI)
	if err != nil {
		return err
	}
	joinEUI, err := parseEUI(cfg.JoinEUI)
	if err != nil {
		return err
	}
	appKey, err := parseKey(cfg.AppKey)
	if err != nil {
		return err
	}

	const tps = 1000000

	clock := &simClock{seed: 1}
	server := newNwkServer(appKey, log.WithField("side", "server"))
	rdo := newSimRadio(clock, server, tps, log.WithField("side", "radio"))
	module := sm.NewDefault(appKey, appKey)
	handler := &simHandler{log: log.WithField("side", "device")}

	dev, err := mac.New(band.Name(cfg.Region), rdo, module, handler, clock, mac.Config{
		TPS:        tps,
		DevEUI:     devEUI,
		JoinEUI:    joinEUI,
		OTAADither: 1,
		Log:        log.WithField("side", "device"),
	})
	if err != nil {
		return err
	}

	if err := dev.OTAA(); err != nil {
		return err
	}

	sent := 0
	for step := 0; step < 100000; step++ {
		dev.Process()

		if handler.joined && dev.Op() == mac.OpNone && dev.Ready() && sent < cfg.Uplinks {
			payload := []byte(fmt.Sprintf("ldlsim %d", sent))
			var err error
			if cfg.Confirmed {
				err = dev.ConfirmedData(1, payload, nil)
			} else {
				err = dev.UnconfirmedData(1, payload, nil)
			}
			if err != nil {
				log.WithError(err).Warn("uplink rejected")
			} else {
				sent++
			}
			continue
		}

		if handler.complete >= cfg.Uplinks && dev.Op() == mac.OpNone {
			break
		}

		// advance the virtual clock to the next device or radio event
		wait := dev.TicksUntilNextEvent()
		if in := rdo.nextEventIn(); in < wait {
			wait = in
		}
		if wait == noEvent {
			log.Error("deadlock: nothing scheduled")
			break
		}
		if wait > 0 {
			clock.ticks += wait
		} else {
			clock.ticks++
		}

		if rdo.fire() {
			dev.RadioEvent(clock.ticks)
		}
	}

	log.WithFields(logrus.Fields{
		"joined":  handler.joined,
		"uplinks": sent,
	}).Info("simulation finished")
	return nil
}
