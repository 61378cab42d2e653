package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embermail/embermail/internal/cache"
	"github.com/embermail/embermail/internal/config"
	"github.com/embermail/embermail/internal/delivery"
	"github.com/embermail/embermail/internal/logging"
	"github.com/embermail/embermail/internal/validate"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Submit one email for delivery",
	Long:  "Validate a recipient, persist the message and publish it onto the delivery queue",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().String("to", "", "recipient address (required)")
	sendCmd.Flags().String("subject", "", "email subject (required)")
	sendCmd.Flags().String("body", "", "HTML body (required)")
	sendCmd.Flags().String("owner", "", "owning mailbox ID (required)")
	sendCmd.Flags().String("tenant", "", "tenant ID (required)")
	for _, f := range []string{"to", "subject", "body", "owner", "tenant"} {
		sendCmd.MarkFlagRequired(f)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx := context.Background()
	comps, err := buildComponents(ctx)
	if err != nil {
		return err
	}
	defer comps.close()

	svc := delivery.NewService(comps.store, comps.broker, newValidator(cfg.Validation, comps.cache))

	to, _ := cmd.Flags().GetString("to")
	subject, _ := cmd.Flags().GetString("subject")
	body, _ := cmd.Flags().GetString("body")
	owner, _ := cmd.Flags().GetString("owner")
	tenant, _ := cmd.Flags().GetString("tenant")

	msg, err := svc.Submit(ctx, delivery.Draft{
		ToAddress: to,
		Subject:   subject,
		Body:      body,
		OwnerID:   owner,
		TenantID:  tenant,
	})
	if err != nil {
		return fmt.Errorf("submission refused: %w", err)
	}

	fmt.Printf("queued message %s to %s\n", msg.ID, msg.ToAddress)
	return nil
}

func newValidator(cfg config.ValidationConfig, c cache.Cache) *validate.Validator {
	opts := []validate.Option{}
	if cfg.MXTimeout > 0 {
		opts = append(opts, validate.WithMXTimeout(cfg.MXTimeout))
	}
	if c != nil {
		opts = append(opts, validate.WithMXCache(c))
	}
	return validate.New(cfg.ThrowawayDomains, opts...)
}
