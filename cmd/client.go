package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snehar97/text/connection"
	"github.com/snehar97/text/logging"
	"github.com/snehar97/text/model"
	syncsvc "github.com/snehar97/text/service/sync"
)

const (
	FlagConfig       = "config"
	FlagServerURL    = "server-url"
	FlagFileID       = "file-id"
	FlagGuestName    = "guest-name"
	FlagTypingPeriod = "typing-period"
	FlagTypingMax    = "typing-max"
)

// typingStep is one simulated opaque edit payload; the sync core never
// looks inside.
type typingStep struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var words = []string{"lorem", "ipsum", "dolor", "sit", "amet", "consectetur", "adipiscing", "elit"}

// GetClientCmd returns the headless collaborating client start command.
func GetClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start a headless collaborating client",
		Run: func(cmd *cobra.Command, args []string) {
			logger := logging.New("client")

			// Parse inputs, config file values fill in unset flags
			cfg, err := loadClientConfig(cmd)
			if err != nil {
				logger.Fatalf("config: %v", err)
			}

			transport, err := connection.NewTransport(cfg.serverURL, nil)
			if err != nil {
				logger.Fatalf("transport init: %v", err)
			}

			// The simulated editor: applied steps concatenated into content
			var (
				contentMu sync.Mutex
				content   strings.Builder
			)

			svc, err := syncsvc.NewService(syncsvc.Config{
				Transport: transport,
				Logger:    logger,
				ContentProvider: func() (string, []byte) {
					contentMu.Lock()
					defer contentMu.Unlock()
					return content.String(), nil
				},
			})
			if err != nil {
				logger.Fatalf("service init: %v", err)
			}

			svc.On(syncsvc.EventSync, func(e syncsvc.Event) {
				data := e.Data.(syncsvc.SyncData)
				contentMu.Lock()
				for _, step := range data.Steps {
					var ts typingStep
					if err := json.Unmarshal(step.Data, &ts); err == nil {
						content.WriteString(ts.Text)
					}
				}
				contentMu.Unlock()
				logger.Infof("synced to v%d: %d steps", data.Version, len(data.Steps))
			})
			svc.On(syncsvc.EventSave, func(e syncsvc.Event) {
				logger.Infof("saved: v%d", e.Data.(syncsvc.SaveData).Document.LastSavedVersion)
			})
			svc.On(syncsvc.EventError, func(e syncsvc.Event) {
				data := e.Data.(syncsvc.ErrorData)
				logger.Warnf("error: %s: %v", data.Type, data.Data)
			})

			ctx := context.Background()
			target := model.OpenRequest{
				FileID:    model.FileID(cfg.fileID),
				GuestName: cfg.guestName,
			}
			if err := svc.Open(ctx, target, nil); err != nil {
				logger.Fatalf("open: %v", err)
			}
			svc.StartSync()

			// Simulate typing
			stopCh := make(chan struct{})
			go func() {
				ticker := time.NewTicker(cfg.typingPeriod)
				defer ticker.Stop()

				for {
					select {
					case <-stopCh:
						return
					case <-ticker.C:
						steps := randomSteps(cfg.typingMax)
						err := svc.SendSteps(ctx, func() (model.PushRequest, error) {
							return model.PushRequest{Steps: steps, Version: svc.Version()}, nil
						})
						if err != nil {
							logger.Warnf("send steps: %v", err)
						}
					}
				}
			}()

			// Wait for signal
			signalCh := make(chan os.Signal, 1)
			signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
			<-signalCh

			close(stopCh)
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := svc.Close(closeCtx); err != nil {
				logger.Warnf("close: %v", err)
			}
		},
	}
	cmd.Flags().String(FlagConfig, "", "(optional) config file path")
	cmd.Flags().String(FlagServerURL, "http://127.0.0.1:2412", "(optional) session endpoint url")
	cmd.Flags().Int64(FlagFileID, 42, "(optional) document id to open")
	cmd.Flags().String(FlagGuestName, "", "(optional) guest display name")
	cmd.Flags().Duration(FlagTypingPeriod, 1*time.Second, "(optional) simulated typing period")
	cmd.Flags().Int(FlagTypingMax, 3, "(optional) max steps per push")

	return cmd
}

type clientConfig struct {
	serverURL    string
	fileID       int64
	guestName    string
	typingPeriod time.Duration
	typingMax    int
}

// loadClientConfig merges flags with an optional viper config file; set
// flags take precedence over file values.
func loadClientConfig(cmd *cobra.Command) (clientConfig, error) {
	cfg := clientConfig{}

	var err error
	if cfg.serverURL, err = cmd.Flags().GetString(FlagServerURL); err != nil {
		return cfg, fmt.Errorf("%s flag: %w", FlagServerURL, err)
	}
	if cfg.fileID, err = cmd.Flags().GetInt64(FlagFileID); err != nil {
		return cfg, fmt.Errorf("%s flag: %w", FlagFileID, err)
	}
	if cfg.guestName, err = cmd.Flags().GetString(FlagGuestName); err != nil {
		return cfg, fmt.Errorf("%s flag: %w", FlagGuestName, err)
	}
	if cfg.typingPeriod, err = cmd.Flags().GetDuration(FlagTypingPeriod); err != nil {
		return cfg, fmt.Errorf("%s flag: %w", FlagTypingPeriod, err)
	}
	if cfg.typingMax, err = cmd.Flags().GetInt(FlagTypingMax); err != nil {
		return cfg, fmt.Errorf("%s flag: %w", FlagTypingMax, err)
	}
	if cfg.typingMax < 1 {
		return cfg, fmt.Errorf("%s: must be GTE 1", FlagTypingMax)
	}

	configPath, err := cmd.Flags().GetString(FlagConfig)
	if err != nil {
		return cfg, fmt.Errorf("%s flag: %w", FlagConfig, err)
	}
	if configPath == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("reading %s: %w", configPath, err)
	}

	if !cmd.Flags().Changed(FlagServerURL) && v.IsSet(FlagServerURL) {
		cfg.serverURL = v.GetString(FlagServerURL)
	}
	if !cmd.Flags().Changed(FlagFileID) && v.IsSet(FlagFileID) {
		cfg.fileID = v.GetInt64(FlagFileID)
	}
	if !cmd.Flags().Changed(FlagGuestName) && v.IsSet(FlagGuestName) {
		cfg.guestName = v.GetString(FlagGuestName)
	}
	if !cmd.Flags().Changed(FlagTypingPeriod) && v.IsSet(FlagTypingPeriod) {
		cfg.typingPeriod = v.GetDuration(FlagTypingPeriod)
	}

	return cfg, nil
}

// randomSteps builds a batch of simulated typing payloads.
func randomSteps(max int) []json.RawMessage {
	n := rand.Intn(max) + 1

	steps := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		raw, err := json.Marshal(typingStep{
			Type: "insert",
			Text: words[rand.Intn(len(words))] + " ",
		})
		if err != nil {
			continue
		}
		steps = append(steps, raw)
	}

	return steps
}

func init() {
	rootCmd.AddCommand(GetClientCmd())
}
