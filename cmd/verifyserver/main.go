package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-biometric-signer/api/verifyhandler"
	"github.com/ruteri/tee-biometric-signer/cmd/flags"
	"github.com/ruteri/tee-biometric-signer/httpserver"
	"github.com/ruteri/tee-biometric-signer/metrics"
	"github.com/urfave/cli/v2"
)

var VerifyServiceLogFlag = flags.LogServiceFlagFn("verify")

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"BIOSIGN_LISTEN_ADDR"},
}
var RateLimitRPSFlag = &cli.Float64Flag{
	Name:  "rate-limit-rps",
	Value: 20,
	Usage: "verify requests per second allowed per client address, 0 disables limiting",
}
var RateLimitBurstFlag = &cli.IntFlag{
	Name:  "rate-limit-burst",
	Value: 40,
	Usage: "burst of verify requests allowed per client address",
}

func main() {
	app := &cli.App{
		Name:  "biosign-verify",
		Usage: "Serve public signature verification",
		Flags: append([]cli.Flag{ListenAddrFlag, RateLimitRPSFlag, RateLimitBurstFlag, VerifyServiceLogFlag}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(ListenAddrFlag.Name)
			logger := flags.SetupLogger(cCtx)

			handler := verifyhandler.NewHandler(verifyhandler.DefaultVerifier, logger)
			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr), handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			handler.
				WithMetrics(metrics.NewVerifyMetrics(server.Metrics().Namespace(), server.Metrics().Registerer())).
				WithRateLimiter(verifyhandler.NewRateLimiter(cCtx.Float64(RateLimitRPSFlag.Name), cCtx.Int(RateLimitBurstFlag.Name), 10*time.Minute))

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
