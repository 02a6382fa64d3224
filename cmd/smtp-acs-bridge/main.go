// smtp-acs-bridge accepts plain SMTP connections and relays each message
// as an HTTPS submission to Azure Communication Services' Email API.
//
// Configuration is entirely environment-variable driven; see
// internal/config for the full list.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/acs"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/config"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/log"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/smtpsrv"
)

func main() {
	conf, err := config.Load()
	if err != nil {
		// Config errors happen before the logger's level is set from
		// config, so this one line necessarily goes out at the default
		// level.
		log.Fatalf("loading configuration: %v", err)
	}

	log.SetLevel(conf.LogLevel)
	log.Infof("smtp-acs-bridge starting")
	config.LogConfig(conf)

	httpClient := &http.Client{
		Timeout: conf.ACSTimeout,
	}
	client := acs.NewClient(conf.Endpoint.Scheme+"://"+conf.Endpoint.Host, conf.Endpoint.Hostname(), conf.AccessKey, httpClient)

	s := smtpsrv.NewServer()
	s.Hostname = conf.Hostname
	s.MaxDataSize = conf.MaxEmailSize
	s.CommandTimeout = conf.CommandTimeout
	s.DataTimeout = conf.DataTimeout
	s.ACSTimeout = conf.ACSTimeout
	s.DefaultSender = conf.DefaultSender
	s.AllowedSenderDomains = conf.AllowedSenderDomains
	s.MaxConcurrentSessions = conf.MaxConcurrentSessions
	s.ShutdownTimeout = conf.ShutdownTimeout
	s.HAProxyEnabled = conf.HAProxyEnabled
	s.Sender = client

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe(conf.ListenAddr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("listener exited: %v", err)
	case sig := <-signals:
		log.Infof("received %s, shutting down gracefully", sig)
		start := time.Now()
		s.Shutdown()
		log.Infof("shutdown complete in %s", time.Since(start))
	}
}
