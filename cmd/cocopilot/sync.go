package main

import (
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocopilot/cocopilot/pkg/config"
	"github.com/cocopilot/cocopilot/pkg/models"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	var (
		tag string
		now bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Register a background sync tag with a running serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := "sync"
			if now {
				endpoint += "?now=1"
			}
			var state models.RegistrationState
			client := newControlClient(controlAddr(cmd, v))
			if err := client.do(cmd.Context(), http.MethodPost, endpoint, models.SyncRequest{Tag: tag}, &state); err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), state)
		},
	}

	cmd.Flags().StringVar(&tag, "tag", config.Default().Worker.SyncTag, "sync tag")
	cmd.Flags().BoolVar(&now, "now", false, "fire the tag immediately instead of waiting for connectivity")
	addControlFlags(cmd)
	return cmd
}
