package main

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

//go:embed version.json
var content embed.FS

type versionFile struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

var appVersion = readVersion()

func readVersion() string {
	data, err := content.ReadFile("version.json")
	if err != nil {
		return "dev"
	}
	var v versionFile
	if err := json.Unmarshal(data, &v); err != nil || v.Version == "" {
		return "dev"
	}
	return v.Version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tledit version",
	Args:  cobra.NoArgs,
	// no config or logger needed
	PersistentPreRun: func(*cobra.Command, []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, appVersion)
	},
}
