package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jnnycn007/moauth/connector/static"
	"github.com/jnnycn007/moauth/pkg/log"
	"github.com/jnnycn007/moauth/server"
	"github.com/jnnycn007/moauth/storage/memory"
)

type serveOptions struct {
	// Config file path
	config string

	// Flags
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch moauthd",
		Example: "moauthd serve moauthd.conf",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			options.config = args[0]

			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Prometheus metrics address")

	return cmd
}

type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger log.Logger
}

func newServerRunner(name string, srv *http.Server, logger log.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %v", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Infof("listening (%s) on %s", s.name, s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}

func runServe(options serveOptions) error {
	c, err := loadConfig(options.config)
	if err != nil {
		return err
	}

	logger, err := log.New(c.LogFile, c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logger.Infof("moauthd version %s, issuer %s", version, c.Issuer())

	if c.TLSCert == "" || c.TLSKey == "" {
		return errors.New("TLS is mandatory: config must set TLSCert and TLSKey")
	}

	store := memory.New(logger)
	for _, client := range c.Clients {
		if err := store.CreateClient(client); err != nil {
			return fmt.Errorf("register application %q: %w", client.ID, err)
		}
	}

	conn := (&static.Config{Users: c.Users, TestPassword: c.TestPassword}).Open()

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register Go collector: %w", err)
	}

	healthChecker := gosundheit.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewServer(ctx, server.Config{
		Issuer:             c.Issuer(),
		Storage:            store,
		Connector:          conn,
		Resources:          c.Resources,
		MaxGrantLife:       c.MaxGrantLife,
		MaxTokenLife:       c.MaxTokenLife,
		IntrospectGroup:    c.IntrospectGroup,
		RegisterGroup:      c.RegisterGroup,
		BasicAuth:          c.BasicAuth,
		StateFile:          c.StateFile,
		Logger:             logger,
		PrometheusRegistry: prometheusRegistry,
		HealthChecker:      healthChecker,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	listen := c.Listen
	if len(listen) == 0 {
		listen = []string{fmt.Sprintf(":%d", c.Port)}
	}

	var gr run.Group

	for i, addr := range listen {
		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
		name := fmt.Sprintf("https/%d", i)
		runner := newServerRunner(name, httpSrv, logger).WithTLS(c.TLSCert, c.TLSKey)
		if err := runner.RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if options.telemetryAddr != "" {
		telemetrySrv := &http.Server{
			Addr:              options.telemetryAddr,
			Handler:           promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := newServerRunner("telemetry", telemetrySrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if err := gr.Run(); err != nil {
		var signalErr run.SignalError
		if errors.As(err, &signalErr) {
			logger.Infof("shutting down on %v", signalErr.Signal)
			return nil
		}
		return err
	}
	return nil
}
