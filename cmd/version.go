package cmd

import (
	"fmt"
	"runtime"

	"github.com/irfnriza/flowin-swm-server/api/handlers"

	"github.com/spf13/cobra"
)

// BuildInfo is set at link time
var BuildInfo struct {
	GitCommit string
	BuildTime string
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(handlers.ServiceName)
		fmt.Printf("API Version: %s\n", handlers.APIVersion)
		fmt.Printf("Git Commit:  %s\n", BuildInfo.GitCommit)
		fmt.Printf("Built:       %s\n", BuildInfo.BuildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		fmt.Printf("OS/Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
