package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hallveticapro/live-translation/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and provider settings without serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := config.RequireProviders(cfg); err != nil {
				return err
			}

			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			if _, err := reg.CreateSTT(cfg.Providers.STT); err != nil {
				return fmt.Errorf("providers.stt: %w", err)
			}
			if cfg.Providers.Translate.Name != "" {
				if _, err := reg.CreateTranslate(cfg.Providers.Translate); err != nil {
					return fmt.Errorf("providers.translate: %w", err)
				}
			}

			if path == "" {
				path = "environment"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (source %s, targets %v)\n",
				path, cfg.Captions.SourceLanguage, cfg.Captions.TargetLanguages)
			return nil
		},
	}
}
