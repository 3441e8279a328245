package main

import (
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocopilot/cocopilot/pkg/models"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker registration of a running serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			var state models.RegistrationState
			client := newControlClient(controlAddr(cmd, v))
			if err := client.do(cmd.Context(), http.MethodGet, "state", nil, &state); err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), state)
		},
	}
	addControlFlags(cmd)
	return cmd
}
