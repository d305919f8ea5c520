package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"msgline/internal/adapter/envelope"
	"msgline/internal/adapter/identity"
	"msgline/internal/domain"
	"msgline/internal/infra/config"
	"msgline/internal/usecase/inbound"
)

type formatOptions struct {
	agentID  string
	previous string // RFC 3339
	timezone string
	channel  string
}

func formatCmd(opts *rootOptions) *cobra.Command {
	var fo formatOptions

	cmd := &cobra.Command{
		Use:   "format [file]",
		Short: "Render one inbound message (JSON) as an envelope line",
		Long: `Reads a single inbound message as JSON from file, or from stdin when file
is omitted or "-", and prints the envelope line msgline would publish.
The recent-media cache and last-seen store are not consulted.`,
		Example: `  echo '{"body":"hi","chat_type":"direct","from":"whatsapp:+15550001111"}' | msgline format`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile())
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			line, err := formatLine(cmd.Context(), cfg, in, fo)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}

	cmd.Flags().StringVar(&fo.agentID, "agent", "", "agent id used for the prefix (default: agents.default)")
	cmd.Flags().StringVar(&fo.previous, "previous", "", "timestamp of the previous message in the chat (RFC 3339)")
	cmd.Flags().StringVar(&fo.timezone, "timezone", "", "override envelope.timezone")
	cmd.Flags().StringVar(&fo.channel, "channel", inbound.DefaultChannelLabel, "channel label for the envelope")
	return cmd
}

// formatLine decodes one domain.InboundMessage from r and builds its line.
func formatLine(ctx context.Context, cfg *config.Config, r io.Reader, fo formatOptions) (string, error) {
	const op = "format"

	var msg domain.InboundMessage
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "decode message: "+err.Error())
	}

	var prev time.Time
	if fo.previous != "" {
		t, err := time.Parse(time.RFC3339, fo.previous)
		if err != nil {
			return "", domain.NewDomainError(op, domain.ErrInvalidInput, "previous: "+err.Error())
		}
		prev = t
	}

	env := inbound.EnvelopeOptionsFromConfig(cfg.Envelope)
	if tz := strings.TrimSpace(fo.timezone); tz != "" {
		env.Timezone = tz
	}

	agentID := fo.agentID
	if agentID == "" {
		agentID = cfg.Agents.Default
	}

	builderOpts := []inbound.BuilderOption{}
	if fo.channel != "" {
		builderOpts = append(builderOpts, inbound.WithChannelLabel(fo.channel))
	}
	builder := inbound.NewLineBuilder(identity.NewResolver(), nil, envelope.NewFormatter(), builderOpts...)

	return builder.Build(ctx, inbound.BuildParams{
		Config:            cfg,
		Message:           msg,
		AgentID:           agentID,
		PreviousTimestamp: prev,
		Envelope:          env,
	})
}
