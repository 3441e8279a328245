package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocopilot/cocopilot/pkg/models"
)

func newMessageCmd(v *viper.Viper) *cobra.Command {
	var msgType string

	cmd := &cobra.Command{
		Use:   "message",
		Short: "Post a control message to the worker of a running serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Handled bool                     `json:"handled"`
				State   models.RegistrationState `json:"state"`
			}
			client := newControlClient(controlAddr(cmd, v))
			if err := client.do(cmd.Context(), http.MethodPost, "message", models.Message{Type: msgType}, &out); err != nil {
				return err
			}
			if !out.Handled {
				fmt.Fprintf(cmd.OutOrStdout(), "Message %s was ignored.\n", msgType)
			}
			return printState(cmd.OutOrStdout(), out.State)
		},
	}

	cmd.Flags().StringVar(&msgType, "type", models.MessageSkipWaiting, "message type")
	addControlFlags(cmd)
	return cmd
}
