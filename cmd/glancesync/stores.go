package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var storesCheck bool

func newStoresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "List configured glance stores",
		Long: `List the stores defined in the configuration along with their role in
the sync (master, slave, or unused). With --check, each store is contacted
and its image count reported, which verifies both the endpoint and the
credentials.`,
		Example: `  glancesync stores
  glancesync stores --check`,
		RunE: storesRun,
	}

	cmd.Flags().BoolVar(&storesCheck, "check", false, "contact each store and report its image count")

	return cmd
}

func storeRole(name string) string {
	if name == globalCfg.Base.Master {
		return "master"
	}
	for _, slave := range globalCfg.Base.Slaves {
		if name == slave {
			return "slave"
		}
	}
	return "unused"
}

func storesRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if len(globalCfg.Stores) == 0 {
		fmt.Println("No stores configured")
		return nil
	}

	names := make([]string, 0, len(globalCfg.Stores))
	for name := range globalCfg.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-15s %-8s %-40s", "Store", "Role", "URL")
	if storesCheck {
		fmt.Printf(" %s", "Images")
	}
	fmt.Println()
	fmt.Println(strings.Repeat("-", 70))

	var checkFailed bool
	for _, name := range names {
		sc := globalCfg.Stores[name]
		fmt.Printf("%-15s %-8s %-40s", name, storeRole(name), sc.URL)

		if storesCheck {
			client, err := buildClient(name)
			if err != nil {
				fmt.Printf(" ERROR: %v", err)
				checkFailed = true
			} else if images, err := client.ListImages(context.Background()); err != nil {
				fmt.Printf(" ERROR: %v", err)
				checkFailed = true
			} else {
				fmt.Printf(" %d", len(images))
			}
		}
		fmt.Println()
	}

	if checkFailed {
		return fmt.Errorf("one or more stores failed the reachability check")
	}
	return nil
}
