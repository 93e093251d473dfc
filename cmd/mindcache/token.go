package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/core"
)

var (
	tokenInstance   string
	tokenUser       string
	tokenPermission string
	tokenTTL        time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a short-lived session token",
	Long: `Token signs a credential scoped to one instance (or "*") with the secret from
the config file. Hand it to a client as its api key.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatal("Error loading config", err)
		}
		secret, err := cfg.SigningSecret()
		if err != nil {
			fatal("Error reading secret", err)
		}
		if len(secret) == 0 {
			fatal("Error minting token", fmt.Errorf("no auth secret configured"))
		}

		ttl := cfg.Auth.TokenTTL
		if cmd.Flags().Changed("ttl") {
			ttl = tokenTTL
		}
		signer, err := auth.NewSigner(secret, auth.WithTTL(ttl))
		if err != nil {
			fatal("Error creating signer", err)
		}
		token, err := signer.Mint(auth.Grant{
			InstanceID: tokenInstance,
			UserID:     tokenUser,
			Permission: core.Permission(tokenPermission),
		})
		if err != nil {
			fatal("Error minting token", err)
		}
		fmt.Println(token)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVarP(&tokenInstance, "instance", "i", "", "Instance the token opens (\"*\" for any)")
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "User id recorded as the author of writes")
	tokenCmd.Flags().StringVarP(&tokenPermission, "permission", "p", string(core.PermissionWrite), "read, write or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("instance")
	_ = tokenCmd.MarkFlagRequired("user")
}
