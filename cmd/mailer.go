/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joehospital/apiserver/internal/mailer"
	"github.com/joehospital/apiserver/internal/mq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// mailerCmd drains the outbound mail queue into SMTP.
var mailerCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Deliver queued email over SMTP",
	Long: `Consumes the outbound mail queue (MAIL_QUEUE on MQ_DRIVER) and delivers
each message through the configured SMTP server. Run it alongside servers
started with MAIL_DRIVER=queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		queue, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			log.Error("failed to open queue", zap.Error(err))
			return err
		}
		defer func() { _ = queue.Close() }()

		sender, err := mailer.NewSMTPMailer(cfg.Mail, log.Named("smtp"))
		if err != nil {
			return err
		}

		worker := mailer.NewWorker(queue, cfg.Mail.Queue, sender, log.Named("worker"))
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("mailer worker stopped", zap.Error(err))
			return err
		}
		log.Info("mailer worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mailerCmd)
}
