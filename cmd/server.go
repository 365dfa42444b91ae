package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehar97/text/logging"
	"github.com/snehar97/text/model"
	"github.com/snehar97/text/service/server"
)

const (
	FlagListenAddr = "listen-addr"
	FlagDocContent = "content"
)

// GetServerCmd returns the demo session endpoint start command.
func GetServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the demo session endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			logger := logging.New("server")

			// Parse inputs
			listenAddr, err := cmd.Flags().GetString(FlagListenAddr)
			if err != nil {
				logger.Fatalf("%s flag: %v", FlagListenAddr, err)
			}
			fileID, err := cmd.Flags().GetInt64(FlagFileID)
			if err != nil {
				logger.Fatalf("%s flag: %v", FlagFileID, err)
			}
			content, err := cmd.Flags().GetString(FlagDocContent)
			if err != nil {
				logger.Fatalf("%s flag: %v", FlagDocContent, err)
			}

			// Init service
			store := server.NewDocumentStore(model.FileID(fileID), content)
			svc := server.NewSessionService(store, logger)
			svc.Monitor().Start()

			httpServer := &http.Server{
				Addr:    listenAddr,
				Handler: svc.Handler(),
			}

			go func() {
				logger.Infof("listening on %s", listenAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatalf("serve: %v", err)
				}
			}()

			// Wait for signal
			signalCh := make(chan os.Signal, 1)
			signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
			<-signalCh

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Warnf("shutdown: %v", err)
			}
			svc.Monitor().Stop()
		},
	}
	cmd.Flags().String(FlagListenAddr, "127.0.0.1:2412", "(optional) listen address")
	cmd.Flags().Int64(FlagFileID, 42, "(optional) served document id")
	cmd.Flags().String(FlagDocContent, "", "(optional) initial document content")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetServerCmd())
}
