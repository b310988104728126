package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fibtrie/internal/fib"
)

var removeCmd = &cobra.Command{
	Use:   "remove <prefix/len>",
	Short: "Remove a route from a route file",
	Long: `Remove a route from a route file. The prefix must be present in the
selected table.

Example:
  fibctl remove -f routes.txt 10.0.0.0/8`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		prefix, err := fib.ParsePrefix(args[0])
		if err != nil {
			return fmt.Errorf("invalid prefix %s: %w", args[0], err)
		}

		m, err := openRouteFile(ctx, routeFile)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.DeleteRoute(ctx, table(), prefix); err != nil {
			return fmt.Errorf("removing route %s from table %d: %w", prefix, table(), err)
		}
		if _, err := saveRouteFile(routeFile, allRoutes(m)); err != nil {
			return err
		}

		fmt.Printf("Removed route: %s\n", prefix)
		return nil
	},
}

func init() {
	removeCmd.Flags().StringVarP(&routeFile, "file", "f", "routes.txt", "Route file to edit")
	rootCmd.AddCommand(removeCmd)
}
