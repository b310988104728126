package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fibtrie/internal/fib"
)

var listAll bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the routes of a table in address order",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		routes := m.Routes(table())
		if listAll {
			routes = allRoutes(m)
		}
		if _, err := fib.WriteRoutes(os.Stdout, routes); err != nil {
			return fmt.Errorf("writing routes: %w", err)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "List every table")
	rootCmd.AddCommand(listCmd)
}
