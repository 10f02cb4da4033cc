package main

import (
	"fmt"

	"github.com/spf13/cobra"

	appconfig "github.com/jonathan/brandpulse/internal/config"
	"github.com/jonathan/brandpulse/internal/server"
)

var adminTokenSubject string

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint an admin JWT",
	Long:  `Generate a signed admin token for brand config writes via PUT /config.`,
	RunE:  runAdminToken,
}

func init() {
	adminTokenCmd.Flags().StringVar(&adminTokenSubject, "subject", "admin", "Token subject")
	rootCmd.AddCommand(adminTokenCmd)
}

func runAdminToken(_ *cobra.Command, _ []string) error {
	jwtCfg, err := appconfig.NewJWTConfig()
	if err != nil {
		return err
	}

	token, err := server.NewJWTService(jwtCfg).GenerateToken(adminTokenSubject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
