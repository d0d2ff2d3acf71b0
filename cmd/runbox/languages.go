package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/language"
)

var languagesCmd = &cobra.Command{
	Use:     "languages",
	Aliases: []string{"langs"},
	Short:   "List the languages the server can run",
	RunE:    runLanguages,
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}

func runLanguages(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := language.Load(cfg.LanguagesFile)
	if err != nil {
		return fmt.Errorf("loading languages: %w", err)
	}

	fmt.Printf("%-10s %-26s %-8s %s\n", "ID", "IMAGE", "INSTALL", "RUN")
	fmt.Println(strings.Repeat("─", 90))
	for _, spec := range registry.All() {
		install := "no"
		if spec.CanInstall() {
			install = "yes"
		}
		fmt.Printf("%-10s %-26s %-8s %s\n", spec.ID, spec.Image, install, truncate(spec.RunCommand(), 44))
	}
	return nil
}
