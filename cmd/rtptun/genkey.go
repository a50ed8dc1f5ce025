package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/rtptun/internal/aead"
)

func newGenkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a random tunnel key and print it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := aead.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Println(key)
			return nil
		},
	}
}
